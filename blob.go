package smarterdoc

import (
	"bytes"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BlobHandle names blob-store content. Documents embed the handle in place of
// the payload; the handle owns no data.
type BlobHandle struct {
	StoreName string             `bson:"store_name"`
	BlobID    primitive.ObjectID `bson:"blob_id"`
	Size      int64              `bson:"size"`
}

// IsZero reports whether the handle names nothing.
func (h BlobHandle) IsZero() bool {
	return h.BlobID.IsZero()
}

func (h BlobHandle) document() bson.D {
	return bson.D{
		{Key: "store_name", Value: h.StoreName},
		{Key: "blob_id", Value: h.BlobID},
		{Key: "size", Value: h.Size},
	}
}

// BlobInfo describes stored blob content.
type BlobInfo struct {
	Handle     BlobHandle
	Filename   string
	Length     int64
	ChunkSize  int
	UploadDate time.Time
}

// Blob is the field type for large binary payloads. A Blob built with NewBlob
// is pending until its document is saved, at which point the payload is
// streamed to the blob store and the Blob carries only a handle. Decoded Blobs
// carry a handle and never fetch the payload implicitly.
//
// A pending payload is uploaded once; saving a copy of it afterwards fails
// with ErrBlobTransfer. When a save fails after reading the payload, a source
// that implements io.Seeker is rewound so the save can be retried. Any other
// source is spent, and saving it again fails with ErrBlobTransfer.
type Blob struct {
	handle *BlobHandle
	source *blobSource
}

// blobSource is shared by every copy of a pending Blob.
type blobSource struct {
	r        io.Reader
	offset   int64
	seekable bool
	consumed bool
}

// take hands out the reader once, remembering where a rewind returns to.
func (s *blobSource) take() (io.Reader, bool) {
	if s.consumed {
		return nil, false
	}
	s.consumed = true
	s.seekable = false
	if sk, ok := s.r.(io.Seeker); ok {
		if off, err := sk.Seek(0, io.SeekCurrent); err == nil {
			s.offset, s.seekable = off, true
		}
	}
	return s.r, true
}

// rewind makes the payload readable again after a failed save.
func (s *blobSource) rewind() {
	if !s.consumed || !s.seekable {
		return
	}
	if _, err := s.r.(io.Seeker).Seek(s.offset, io.SeekStart); err == nil {
		s.consumed = false
	}
}

// NewBlob returns a pending blob whose payload is read from r on save.
func NewBlob(r io.Reader) Blob {
	if r == nil {
		return Blob{}
	}
	return Blob{source: &blobSource{r: r}}
}

// BlobBytes returns a pending blob holding b.
func BlobBytes(b []byte) Blob {
	return NewBlob(bytes.NewReader(b))
}

// BlobFromHandle returns a blob bound to existing content.
func BlobFromHandle(h BlobHandle) Blob {
	return Blob{handle: &h}
}

// Handle returns the bound handle, if any.
func (b Blob) Handle() (BlobHandle, bool) {
	if b.handle == nil {
		return BlobHandle{}, false
	}
	return *b.handle, true
}

// Pending reports whether the payload still has to be uploaded.
func (b Blob) Pending() bool {
	return b.source != nil
}

// Consumed reports whether a pending payload was read by a save that failed
// and cannot be read again.
func (b Blob) Consumed() bool {
	return b.source != nil && b.source.consumed
}

// IsZero reports whether the blob has neither a payload nor a handle.
func (b Blob) IsZero() bool {
	return b.handle == nil && b.source == nil
}

// Size returns the stored size, or 0 when the blob is not bound.
func (b Blob) Size() int64 {
	if b.handle == nil {
		return 0
	}
	return b.handle.Size
}
