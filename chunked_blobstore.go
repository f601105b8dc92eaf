package smarterdoc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ChunkedBlobStore implements BlobStore over any Backend. A blob is a set of
// chunk objects plus a manifest written last, so a blob is visible only once
// every chunk is stored:
//
//	<prefix>/<store>/<blob id>/chunks/000000
//	<prefix>/<store>/<blob id>/chunks/000001
//	<prefix>/<store>/<blob id>/manifest.bson
type ChunkedBlobStore struct {
	backend   Backend
	prefix    string
	chunkSize int
}

// NewChunkedBlobStore creates a blob store keeping its objects under prefix.
func NewChunkedBlobStore(backend Backend, prefix string, chunkSize int) *ChunkedBlobStore {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkedBlobStore{backend: backend, prefix: prefix, chunkSize: chunkSize}
}

type blobManifest struct {
	Filename   string    `bson:"filename"`
	Length     int64     `bson:"length"`
	ChunkSize  int       `bson:"chunk_size"`
	Chunks     int       `bson:"chunks"`
	UploadDate time.Time `bson:"upload_date"`
}

func (s *ChunkedBlobStore) base(store string, id primitive.ObjectID) string {
	return path.Join(s.prefix, store, id.Hex())
}

func chunkKey(base string, n int) string {
	return fmt.Sprintf("%s/chunks/%06d", base, n)
}

func manifestKey(base string) string {
	return base + "/manifest.bson"
}

func (s *ChunkedBlobStore) manifest(ctx context.Context, h BlobHandle) (blobManifest, error) {
	var m blobManifest
	data, err := s.backend.Get(ctx, manifestKey(s.base(h.StoreName, h.BlobID)))
	if err != nil {
		return m, err
	}
	if err := bson.Unmarshal(data, &m); err != nil {
		return m, WithContext(ErrInvalidData, map[string]interface{}{
			"blob_id": h.BlobID.Hex(),
			"reason":  err.Error(),
		})
	}
	return m, nil
}

// OpenUpload implements BlobStore.
func (s *ChunkedBlobStore) OpenUpload(ctx context.Context, store, filename string) (BlobUpload, error) {
	if store == "" {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"reason": "blob store name is required"})
	}
	id := primitive.NewObjectID()
	return &chunkedUpload{
		ctx:      ctx,
		store:    s,
		handle:   BlobHandle{StoreName: store, BlobID: id},
		base:     s.base(store, id),
		filename: filename,
		buf:      make([]byte, 0, s.chunkSize),
	}, nil
}

// OpenDownload implements BlobStore. Chunks are fetched one at a time as the
// reader is consumed.
func (s *ChunkedBlobStore) OpenDownload(ctx context.Context, h BlobHandle) (io.ReadCloser, error) {
	m, err := s.manifest(ctx, h)
	if err != nil {
		return nil, err
	}
	return &chunkedReader{ctx: ctx, backend: s.backend, base: s.base(h.StoreName, h.BlobID), chunks: m.Chunks}, nil
}

// Stat implements BlobStore.
func (s *ChunkedBlobStore) Stat(ctx context.Context, h BlobHandle) (BlobInfo, error) {
	m, err := s.manifest(ctx, h)
	if err != nil {
		return BlobInfo{}, err
	}
	h.Size = m.Length
	return BlobInfo{
		Handle:     h,
		Filename:   m.Filename,
		Length:     m.Length,
		ChunkSize:  m.ChunkSize,
		UploadDate: m.UploadDate,
	}, nil
}

// Delete implements BlobStore. The manifest goes first so a partially deleted
// blob is never readable; chunks are then swept by listing.
func (s *ChunkedBlobStore) Delete(ctx context.Context, h BlobHandle) error {
	base := s.base(h.StoreName, h.BlobID)
	exists, err := s.backend.Exists(ctx, manifestKey(base))
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if err := s.backend.Delete(ctx, manifestKey(base)); err != nil {
		return err
	}
	return s.sweep(ctx, base)
}

func (s *ChunkedBlobStore) sweep(ctx context.Context, base string) error {
	var keys []string
	err := s.backend.ListPaginated(ctx, base+"/chunks/", func(batch []string) error {
		keys = append(keys, batch...)
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

type chunkedUpload struct {
	ctx      context.Context
	store    *ChunkedBlobStore
	handle   BlobHandle
	base     string
	filename string
	buf      []byte
	chunks   int
	done     bool
}

func (u *chunkedUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, errors.New("blob upload already finished")
	}
	written := 0
	for len(p) > 0 {
		n := min(cap(u.buf)-len(u.buf), len(p))
		u.buf = append(u.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(u.buf) == cap(u.buf) {
			if err := u.flush(u.ctx); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (u *chunkedUpload) flush(ctx context.Context) error {
	if len(u.buf) == 0 {
		return nil
	}
	if err := u.store.backend.Put(ctx, chunkKey(u.base, u.chunks), u.buf); err != nil {
		return err
	}
	u.chunks++
	u.handle.Size += int64(len(u.buf))
	u.buf = u.buf[:0]
	return nil
}

func (u *chunkedUpload) Finalize(ctx context.Context) (BlobHandle, error) {
	if u.done {
		return BlobHandle{}, errors.New("blob upload already finished")
	}
	if err := u.flush(ctx); err != nil {
		return BlobHandle{}, err
	}
	data, err := bson.Marshal(blobManifest{
		Filename:   u.filename,
		Length:     u.handle.Size,
		ChunkSize:  u.store.chunkSize,
		Chunks:     u.chunks,
		UploadDate: time.Now().UTC().Truncate(time.Millisecond),
	})
	if err != nil {
		return BlobHandle{}, err
	}
	if err := u.store.backend.Put(ctx, manifestKey(u.base), data); err != nil {
		return BlobHandle{}, err
	}
	u.done = true
	return u.handle, nil
}

func (u *chunkedUpload) Abort(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	return u.store.sweep(ctx, u.base)
}

type chunkedReader struct {
	ctx     context.Context
	backend Backend
	base    string
	chunks  int
	next    int
	cur     []byte
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.next >= r.chunks {
			return 0, io.EOF
		}
		data, err := r.backend.Get(r.ctx, chunkKey(r.base, r.next))
		if err != nil {
			return 0, err
		}
		r.next++
		r.cur = data
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *chunkedReader) Close() error {
	r.cur = nil
	r.next = r.chunks
	return nil
}
