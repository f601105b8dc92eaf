package smarterdoc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// BlobBinder moves Blob payloads between documents and the blob store, keeping
// at most one chunk in memory.
type BlobBinder struct {
	store        BlobStore
	chunkSize    int
	defaultStore string
	logger       Logger
	metrics      Metrics
}

// NewBlobBinder creates a binder over store with the given chunk size
// (DefaultChunkSize when <= 0).
func NewBlobBinder(store BlobStore, chunkSize int) *BlobBinder {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &BlobBinder{
		store:        store,
		chunkSize:    chunkSize,
		defaultStore: DefaultBlobStoreName,
		logger:       &NoOpLogger{},
		metrics:      &NoOpMetrics{},
	}
}

// WithLogger sets the logger
func (b *BlobBinder) WithLogger(logger Logger) *BlobBinder {
	b.logger = logger
	return b
}

// WithMetrics sets the metrics collector
func (b *BlobBinder) WithMetrics(metrics Metrics) *BlobBinder {
	b.metrics = metrics
	return b
}

// WithDefaultStore sets the store used when a field names none.
func (b *BlobBinder) WithDefaultStore(name string) *BlobBinder {
	if name != "" {
		b.defaultStore = name
	}
	return b
}

func blobError(op string, h BlobHandle, err error) error {
	return WithContext(fmt.Errorf("%w: %w", ErrBlobTransfer, err), map[string]interface{}{
		"op":      op,
		"store":   h.StoreName,
		"blob_id": h.BlobID.Hex(),
	})
}

// Save streams r to the named store (the default store when empty) and returns
// the handle once the store confirms completion. The upload is aborted on any
// read or write failure.
func (b *BlobBinder) Save(ctx context.Context, r io.Reader, store, filename string) (BlobHandle, error) {
	if store == "" {
		store = b.defaultStore
	}
	start := time.Now()

	up, err := b.store.OpenUpload(ctx, store, filename)
	if err != nil {
		b.metrics.Increment(MetricBlobUploadError, "store", store)
		return BlobHandle{}, blobError("open_upload", BlobHandle{StoreName: store}, err)
	}

	buf := make([]byte, b.chunkSize)
	var chunks int
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := up.Write(buf[:n]); err != nil {
				return BlobHandle{}, b.abort(ctx, up, store, "write", err)
			}
			chunks++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return BlobHandle{}, b.abort(ctx, up, store, "read", readErr)
		}
		if err := ctx.Err(); err != nil {
			return BlobHandle{}, b.abort(ctx, up, store, "write", err)
		}
	}

	h, err := up.Finalize(ctx)
	if err != nil {
		return BlobHandle{}, b.abort(ctx, up, store, "finalize", err)
	}

	b.metrics.Histogram(MetricBlobChunks, float64(chunks), "store", store)
	b.metrics.Histogram(MetricBlobUploadBytes, float64(h.Size), "store", store)
	b.metrics.Timing(MetricBlobTransferTime, time.Since(start), "store", store)
	b.logger.Debug("blob stored",
		"store", store,
		"blob_id", h.BlobID.Hex(),
		"size", h.Size,
		"chunks", chunks,
	)
	return h, nil
}

func (b *BlobBinder) abort(ctx context.Context, up BlobUpload, store, op string, cause error) error {
	b.metrics.Increment(MetricBlobUploadError, "store", store)
	if err := up.Abort(context.WithoutCancel(ctx)); err != nil {
		b.logger.Warn("blob upload abort failed", "store", store, "error", err)
	}
	return blobError(op, BlobHandle{StoreName: store}, cause)
}

// Load streams the payload named by h. The caller must close the reader.
func (b *BlobBinder) Load(ctx context.Context, h BlobHandle) (io.ReadCloser, error) {
	rc, err := b.store.OpenDownload(ctx, h)
	if err != nil {
		return nil, blobError("open_download", h, err)
	}
	return rc, nil
}

// ReadAll loads the whole payload into memory. Prefer Load for large blobs.
func (b *BlobBinder) ReadAll(ctx context.Context, h BlobHandle) ([]byte, error) {
	rc, err := b.Load(ctx, h)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, blobError("read", h, err)
	}
	return data, nil
}

// Stat returns stored details of h.
func (b *BlobBinder) Stat(ctx context.Context, h BlobHandle) (BlobInfo, error) {
	info, err := b.store.Stat(ctx, h)
	if err != nil {
		return BlobInfo{}, blobError("stat", h, err)
	}
	return info, nil
}

// Delete removes the content named by h.
func (b *BlobBinder) Delete(ctx context.Context, h BlobHandle) error {
	if err := b.store.Delete(ctx, h); err != nil {
		return blobError("delete", h, err)
	}
	b.metrics.Increment(MetricBlobDelete, "store", h.StoreName)
	return nil
}

// discard deletes blobs uploaded by a save whose document write failed.
func (b *BlobBinder) discard(ctx context.Context, handles []BlobHandle) {
	for _, h := range handles {
		if err := b.Delete(ctx, h); err != nil && !errors.Is(err, ErrNotFound) {
			b.logger.Warn("failed to discard blob after failed save",
				"store", h.StoreName,
				"blob_id", h.BlobID.Hex(),
				"error", err,
			)
		}
	}
}
