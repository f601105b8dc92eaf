package smarterdoc

import (
	"context"
	"io"
)

// BlobStore is the chunked blob store collaborator. Drivers supply one through
// Conn.Blobs; WithBlobStore overrides it.
type BlobStore interface {
	// OpenUpload starts a new blob in the named store.
	OpenUpload(ctx context.Context, store, filename string) (BlobUpload, error)

	// OpenDownload streams the content named by h.
	OpenDownload(ctx context.Context, h BlobHandle) (io.ReadCloser, error)

	// Stat returns the stored details of h. Missing blobs fail with ErrNotFound.
	Stat(ctx context.Context, h BlobHandle) (BlobInfo, error)

	// Delete removes the content named by h. Missing blobs fail with ErrNotFound.
	Delete(ctx context.Context, h BlobHandle) error
}

// BlobUpload receives a payload in chunks. Content becomes visible only after
// Finalize succeeds; Abort discards everything written so far.
type BlobUpload interface {
	io.Writer
	Finalize(ctx context.Context) (BlobHandle, error)
	Abort(ctx context.Context) error
}
