package smarterdoc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Schemas shared by the package tests. Each test registers them in its own
// registry so nothing touches DefaultRegistry.

type testAuthor struct {
	ID    primitive.ObjectID `doc:",id"`
	Name  string             `doc:"name,required"`
	Email string             `doc:"email,omitempty"`
}

type testPost struct {
	ID         primitive.ObjectID `doc:",id"`
	Title      string             `doc:"title,required"`
	Views      int                `doc:"views"`
	Tags       []string           `doc:"tags"`
	Published  time.Time          `doc:"published,gen=now"`
	Author     Link[testAuthor]   `doc:"author"`
	Cover      Blob               `doc:"cover"`
	Attachment Blob               `doc:"attachment,blob=attachments"`
}

type testNode struct {
	ID   string         `doc:",id"`
	Name string         `doc:"name"`
	Next Link[testNode] `doc:"next,omitempty"`
}

type testAccount struct {
	ID      string `doc:",id"`
	Owner   string `doc:"owner,required"`
	Balance int64  `doc:"balance"`
	Version int64  `doc:"version,version"`
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	mustRegister[testAuthor](t, reg)
	mustRegister[testPost](t, reg)
	mustRegister[testNode](t, reg)
	mustRegister[testAccount](t, reg)
	return reg
}

func mustRegister[T any](t *testing.T, reg *Registry, opts ...SchemaOption) *SchemaDescriptor {
	t.Helper()
	desc, err := RegisterWith[T](reg, opts...)
	if err != nil {
		t.Fatalf("register %T: %v", *new(T), err)
	}
	return desc
}

// testEnv is a client connected to a filesystem store in a temp directory.
type testEnv struct {
	client  *Client
	conn    *countingConn
	blobs   *faultyBlobStore
	metrics *InMemoryMetrics
	logger  *mockLogger
}

func newTestEnv(t *testing.T, opts ...ClientOption) *testEnv {
	t.Helper()

	objConn := NewObjectConn(NewFilesystemBackend(t.TempDir()), WithChunkSize(64))
	env := &testEnv{
		conn:    &countingConn{ObjectConn: objConn},
		blobs:   &faultyBlobStore{BlobStore: objConn.Blobs(), failStores: map[string]bool{}},
		metrics: NewInMemoryMetrics(),
		logger:  &mockLogger{},
	}
	opts = append([]ClientOption{
		WithRegistry(testRegistry(t)),
		WithMetrics(env.metrics),
		WithLogger(env.logger),
		WithBlobStore(env.blobs),
		WithConfig(Config{ChunkSize: 64}),
	}, opts...)

	env.client = NewClient(opts...)
	if err := env.client.Attach(env.conn); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(func() { env.client.Close(context.Background()) })
	return env
}

func testCollection[T any](t *testing.T, env *testEnv) *Collection[T] {
	t.Helper()
	c, err := NewCollection[T](env.client)
	if err != nil {
		t.Fatalf("NewCollection: %v", err)
	}
	return c
}

// countingConn records cursor opens and closes and document writes.
type countingConn struct {
	*ObjectConn
	opened  atomic.Int32
	closed  atomic.Int32
	writes  atomic.Int32
	deletes atomic.Int32
	failPut error
}

func (c *countingConn) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) (DocCursor, error) {
	cur, err := c.ObjectConn.Find(ctx, collection, filter, opts)
	if err != nil {
		return nil, err
	}
	c.opened.Add(1)
	return &countingCursor{DocCursor: cur, conn: c}, nil
}

func (c *countingConn) InsertOrReplace(ctx context.Context, collection string, id any, doc Document) error {
	if c.failPut != nil {
		return c.failPut
	}
	c.writes.Add(1)
	return c.ObjectConn.InsertOrReplace(ctx, collection, id, doc)
}

func (c *countingConn) Delete(ctx context.Context, collection string, id any) (bool, error) {
	c.deletes.Add(1)
	return c.ObjectConn.Delete(ctx, collection, id)
}

type countingCursor struct {
	DocCursor
	conn *countingConn
}

func (c *countingCursor) Close(ctx context.Context) error {
	c.conn.closed.Add(1)
	return c.DocCursor.Close(ctx)
}

// faultyBlobStore wraps a BlobStore and fails deletes for selected stores.
type faultyBlobStore struct {
	BlobStore
	mu         sync.Mutex
	failStores map[string]bool
	deletes    int
}

var errBlobDeleteRefused = errors.New("blob delete refused")

func (f *faultyBlobStore) failDeletes(store string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStores[store] = true
}

func (f *faultyBlobStore) Delete(ctx context.Context, h BlobHandle) error {
	f.mu.Lock()
	f.deletes++
	fail := f.failStores[h.StoreName]
	f.mu.Unlock()
	if fail {
		return errBlobDeleteRefused
	}
	return f.BlobStore.Delete(ctx, h)
}

func (f *faultyBlobStore) deleteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}
