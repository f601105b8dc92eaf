package smarterdoc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSBlobStore implements BlobStore with one GridFS bucket per store name.
type GridFSBlobStore struct {
	db        *mongo.Database
	chunkSize int32

	mu      sync.Mutex
	buckets map[string]*gridfs.Bucket
}

// NewGridFSBlobStore creates a blob store over db.
func NewGridFSBlobStore(db *mongo.Database, chunkSize int) *GridFSBlobStore {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		chunkSize = DefaultChunkSize
	}
	return &GridFSBlobStore{
		db:        db,
		chunkSize: int32(chunkSize),
		buckets:   make(map[string]*gridfs.Bucket),
	}
}

func (s *GridFSBlobStore) bucket(name string) (*gridfs.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b, err := gridfs.NewBucket(s.db, options.GridFSBucket().
		SetName(name).
		SetChunkSizeBytes(s.chunkSize))
	if err != nil {
		return nil, err
	}
	s.buckets[name] = b
	return b, nil
}

func gridfsError(err error) error {
	if errors.Is(err, gridfs.ErrFileNotFound) || errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

// OpenUpload implements BlobStore.
func (s *GridFSBlobStore) OpenUpload(ctx context.Context, store, filename string) (BlobUpload, error) {
	b, err := s.bucket(store)
	if err != nil {
		return nil, err
	}
	id := primitive.NewObjectID()
	stream, err := b.OpenUploadStreamWithID(id, filename)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetWriteDeadline(deadline); err != nil {
			_ = stream.Abort()
			return nil, err
		}
	}
	return &gridfsUpload{stream: stream, handle: BlobHandle{StoreName: store, BlobID: id}}, nil
}

// OpenDownload implements BlobStore.
func (s *GridFSBlobStore) OpenDownload(ctx context.Context, h BlobHandle) (io.ReadCloser, error) {
	b, err := s.bucket(h.StoreName)
	if err != nil {
		return nil, err
	}
	stream, err := b.OpenDownloadStream(h.BlobID)
	if err != nil {
		return nil, gridfsError(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetReadDeadline(deadline); err != nil {
			stream.Close()
			return nil, err
		}
	}
	return stream, nil
}

type gridfsFile struct {
	Length     int64     `bson:"length"`
	ChunkSize  int32     `bson:"chunkSize"`
	UploadDate time.Time `bson:"uploadDate"`
	Filename   string    `bson:"filename"`
}

// Stat implements BlobStore by reading the bucket's files collection.
func (s *GridFSBlobStore) Stat(ctx context.Context, h BlobHandle) (BlobInfo, error) {
	var f gridfsFile
	err := s.db.Collection(h.StoreName+".files").
		FindOne(ctx, bson.M{IDKey: h.BlobID}).
		Decode(&f)
	if err != nil {
		return BlobInfo{}, gridfsError(err)
	}
	h.Size = f.Length
	return BlobInfo{
		Handle:     h,
		Filename:   f.Filename,
		Length:     f.Length,
		ChunkSize:  int(f.ChunkSize),
		UploadDate: f.UploadDate,
	}, nil
}

// Delete implements BlobStore.
func (s *GridFSBlobStore) Delete(ctx context.Context, h BlobHandle) error {
	b, err := s.bucket(h.StoreName)
	if err != nil {
		return err
	}
	return gridfsError(b.DeleteContext(ctx, h.BlobID))
}

type gridfsUpload struct {
	stream *gridfs.UploadStream
	handle BlobHandle
}

func (u *gridfsUpload) Write(p []byte) (int, error) {
	n, err := u.stream.Write(p)
	u.handle.Size += int64(n)
	return n, err
}

func (u *gridfsUpload) Finalize(ctx context.Context) (BlobHandle, error) {
	if err := u.stream.Close(); err != nil {
		return BlobHandle{}, err
	}
	return u.handle, nil
}

func (u *gridfsUpload) Abort(ctx context.Context) error {
	return u.stream.Abort()
}
