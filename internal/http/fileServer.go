package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"veranda/internal/api"
	"veranda/internal/auth"
	"veranda/internal/models"
	"veranda/internal/storage"
)

type BlobSource interface {
	OpenBlob(ctx context.Context, name string) (io.ReadCloser, storage.BlobMetadata, error)
}

// NewFileServerHandler serves uploaded blobs to logged in users.
func NewFileServerHandler(authService *auth.AuthService, blobs BlobSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := authService.GetUserID(api.GetToken(r)); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		name := r.PathValue("name")
		rc, meta, err := blobs.OpenBlob(r.Context(), name)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			slog.Error("failed to open blob", "name", name, "error", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		defer func() { _ = rc.Close() }()

		// Names are random and content never changes.
		w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
		w.Header().Set("Content-Type", meta.MimeType)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if meta.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
		}
		if _, err := io.Copy(w, rc); err != nil {
			slog.Warn("failed to write blob", "name", name, "error", err)
		}
	}
}
