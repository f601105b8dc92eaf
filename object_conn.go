package smarterdoc

import (
	"context"
	"net/url"
	"path"
	"sort"
	"strings"
)

// ObjectConn implements Conn over a Backend. Documents are stored as BSON
// objects at <prefix>/documents/<collection>/<id>.bson and blobs through a
// ChunkedBlobStore under <prefix>/blobs.
type ObjectConn struct {
	backend   Backend
	prefix    string
	locker    Locker
	chunkSize int
	blobs     *ChunkedBlobStore
	logger    Logger
}

// ObjectConnOption configures an ObjectConn.
type ObjectConnOption func(*ObjectConn)

// WithKeyPrefix stores every object under prefix.
func WithKeyPrefix(prefix string) ObjectConnOption {
	return func(c *ObjectConn) { c.prefix = strings.Trim(prefix, "/") }
}

// WithConnLocker sets the lock guarding conditional writes. The default is a
// process-local StripedLocks; use a DistributedLock when several processes share
// the backend.
func WithConnLocker(l Locker) ObjectConnOption {
	return func(c *ObjectConn) { c.locker = l }
}

// WithChunkSize sets the blob chunk size.
func WithChunkSize(size int) ObjectConnOption {
	return func(c *ObjectConn) { c.chunkSize = size }
}

// WithConnLogger sets the logger
func WithConnLogger(l Logger) ObjectConnOption {
	return func(c *ObjectConn) { c.logger = l }
}

// NewObjectConn creates a connection over backend.
func NewObjectConn(backend Backend, opts ...ObjectConnOption) *ObjectConn {
	c := &ObjectConn{
		backend:   backend,
		locker:    NewStripedLocks(DefaultLockStripes),
		chunkSize: DefaultChunkSize,
		logger:    &NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.blobs = NewChunkedBlobStore(backend, path.Join(c.prefix, "blobs"), c.chunkSize)
	return c
}

func openObjectStore(ctx context.Context, u *url.URL, opts OpenOptions) (Conn, error) {
	cfg, err := BackendConfigFromURL(u)
	if err != nil {
		return nil, err
	}
	backend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.Ping(ctx); err != nil {
		backend.Close()
		return nil, err
	}
	if opts.Config.EncryptionKey != "" {
		key, err := ParseEncryptionKey(opts.Config.EncryptionKey)
		var enc *EncryptionBackend
		if err == nil {
			enc, err = NewEncryptionBackend(backend, key)
		}
		if err != nil {
			backend.Close()
			return nil, err
		}
		backend = enc
	}

	connOpts := []ObjectConnOption{
		WithKeyPrefix(cfg.PathPrefix),
		WithChunkSize(opts.Config.ChunkSize),
	}
	if opts.Locker != nil {
		connOpts = append(connOpts, WithConnLocker(opts.Locker))
	}
	if opts.Logger != nil {
		connOpts = append(connOpts, WithConnLogger(opts.Logger))
	}
	return NewObjectConn(backend, connOpts...), nil
}

// Backend returns the underlying object store.
func (c *ObjectConn) Backend() Backend {
	return c.backend
}

func (c *ObjectConn) collectionPrefix(collection string) string {
	return path.Join(c.prefix, "documents", collection) + "/"
}

func (c *ObjectConn) docKey(collection string, id any) (string, error) {
	key, err := idKey(id)
	if err != nil {
		return "", err
	}
	return c.collectionPrefix(collection) + url.PathEscape(key) + ".bson", nil
}

// InsertOrReplace implements Conn. The backend write is a single atomic put,
// so concurrent writers for one id leave exactly one of their documents.
func (c *ObjectConn) InsertOrReplace(ctx context.Context, collection string, id any, doc Document) error {
	key, err := c.docKey(collection, id)
	if err != nil {
		return err
	}
	data, err := MarshalDocument(doc)
	if err != nil {
		return err
	}
	return c.backend.Put(ctx, key, data)
}

// ReplaceIf implements Conn using ETags under the connection's Locker.
func (c *ObjectConn) ReplaceIf(ctx context.Context, collection string, id any, guard Filter, doc Document) (bool, error) {
	key, err := c.docKey(collection, id)
	if err != nil {
		return false, err
	}
	data, err := MarshalDocument(doc)
	if err != nil {
		return false, err
	}

	release, err := c.locker.Acquire(ctx, key)
	if err != nil {
		return false, err
	}
	defer release()

	if guard == nil {
		exists, err := c.backend.Exists(ctx, key)
		if err != nil || exists {
			return false, err
		}
		return true, c.backend.Put(ctx, key, data)
	}

	current, etag, err := c.backend.GetWithETag(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	stored, err := UnmarshalDocument(current)
	if err != nil {
		return false, err
	}
	ok, err := matchFilter(stored, guard)
	if err != nil || !ok {
		return false, err
	}
	if _, err := c.backend.PutIfMatch(ctx, key, data, etag); err != nil {
		if IsConflict(err) {
			c.logger.Debug("guarded write lost etag race", "key", key)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Find implements Conn. A filter on _id alone is a direct read; anything else
// lists the collection and fetches and matches documents as the cursor advances.
func (c *ObjectConn) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) (DocCursor, error) {
	if id, ok := filter[IDKey]; ok && len(filter) == 1 {
		if _, isOps := operatorMap(id); !isOps {
			key, err := c.docKey(collection, id)
			if err != nil {
				return nil, err
			}
			return &objectCursor{conn: c, keys: []string{key}, filter: filter, opts: opts}, nil
		}
	}

	var keys []string
	err := c.backend.ListPaginated(ctx, c.collectionPrefix(collection), func(batch []string) error {
		for _, k := range batch {
			if strings.HasSuffix(k, ".bson") {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return &objectCursor{conn: c, keys: keys, filter: filter, opts: opts}, nil
}

// Delete implements Conn.
func (c *ObjectConn) Delete(ctx context.Context, collection string, id any) (bool, error) {
	key, err := c.docKey(collection, id)
	if err != nil {
		return false, err
	}
	if err := c.backend.Delete(ctx, key); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Blobs implements Conn.
func (c *ObjectConn) Blobs() BlobStore {
	return c.blobs
}

// Ping implements Conn.
func (c *ObjectConn) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// Close implements Conn. The locker belongs to whoever supplied it.
func (c *ObjectConn) Close(ctx context.Context) error {
	return c.backend.Close()
}

// objectCursor reads one object per Next call.
type objectCursor struct {
	conn    *ObjectConn
	keys    []string
	filter  Filter
	opts    FindOptions
	pos     int
	skipped int64
	matched int64
	doc     Document
	err     error
	closed  bool
}

func (cur *objectCursor) Next(ctx context.Context) bool {
	if cur.closed || cur.err != nil {
		return false
	}
	for cur.pos < len(cur.keys) {
		if cur.opts.Limit > 0 && cur.matched >= cur.opts.Limit {
			return false
		}
		key := cur.keys[cur.pos]
		cur.pos++

		data, err := cur.conn.backend.Get(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				cur.conn.logger.Debug("document deleted during scan", "key", key)
				continue
			}
			cur.err = storeError("find", err)
			return false
		}
		doc, err := UnmarshalDocument(data)
		if err != nil {
			cur.err = err
			return false
		}
		ok, err := matchFilter(doc, cur.filter)
		if err != nil {
			cur.err = err
			return false
		}
		if !ok {
			continue
		}
		if cur.skipped < cur.opts.Skip {
			cur.skipped++
			continue
		}
		cur.matched++
		cur.doc = doc
		return true
	}
	return false
}

func (cur *objectCursor) Document() (Document, error) {
	if cur.doc == nil {
		return nil, ErrNotFound
	}
	return cur.doc, nil
}

func (cur *objectCursor) Err() error {
	return cur.err
}

func (cur *objectCursor) Close(ctx context.Context) error {
	cur.closed = true
	cur.doc = nil
	cur.keys = nil
	return nil
}
