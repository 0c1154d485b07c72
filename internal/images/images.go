// Package images validates and recompresses image attachments.
package images

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"veranda/internal/models"

	"github.com/disintegration/imaging"
	"github.com/h2non/filetype"
	_ "golang.org/x/image/webp"
)

const (
	DefaultQuality  = 80
	DefaultMaxWidth = 1920
)

// decodable lists the formats Compress can read.
var decodable = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// Sniff detects the image type from the leading bytes of data. Images that
// cannot be recompressed (HEIF, ICO, PSD, ...) are rejected with ErrNotImage.
func Sniff(data []byte) (string, error) {
	if !filetype.IsImage(data) {
		return "", models.ErrNotImage
	}
	kind, err := filetype.Match(data)
	if err != nil {
		return "", fmt.Errorf("failed to detect file type: %w", err)
	}
	if !decodable[kind.MIME.Value] {
		return "", fmt.Errorf("%s: %w", kind.MIME.Value, models.ErrNotImage)
	}
	return kind.MIME.Value, nil
}

// PreviewDataURL returns a data URL suitable for an <img> preview.
func PreviewDataURL(data []byte) (string, error) {
	mime, err := Sniff(data)
	if err != nil {
		return "", err
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

type Compressor struct {
	Quality  int
	MaxWidth int
}

func NewCompressor(quality, maxWidth int) *Compressor {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	return &Compressor{Quality: quality, MaxWidth: maxWidth}
}

// Compress decodes the image honoring EXIF orientation, scales it down to the
// maximum width and re-encodes it. PNG input stays PNG to keep transparency,
// everything else becomes JPEG.
func (c *Compressor) Compress(ctx context.Context, data []byte) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	mime, err := Sniff(data)
	if err != nil {
		return nil, "", err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Bounds().Dx() > c.MaxWidth {
		img = imaging.Resize(img, c.MaxWidth, 0, imaging.Lanczos)
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	if mime == "image/png" {
		if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(-3)); err != nil {
			return nil, "", fmt.Errorf("failed to encode png: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.Quality)); err != nil {
		return nil, "", fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
