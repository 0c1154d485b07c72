package filestore

import (
	"context"
	"io"
)

// BlobStore stores uploaded blobs under caller-chosen unique names
// and hands out URLs browsers can download them from.
type BlobStore interface {
	// Put saves the blob content under name.
	// It is idempotent: if a blob with the same name already exists, it returns nil.
	Put(ctx context.Context, name string, r io.Reader, contentType string) error

	// Get retrieves the blob content for the given name.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// URL returns a download URL for a stored blob.
	URL(ctx context.Context, name string) (string, error)
}
