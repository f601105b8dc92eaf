package smarterdoc

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// ClientState is the lifecycle stage of a Client.
type ClientState int32

const (
	StateUninitialized ClientState = iota
	StateConnected
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ClientState(%d)", int32(s))
}

// Client owns one store connection and is the source every Collection obtains
// its connection from. Its lifecycle is Uninitialized → Connected → Closed;
// operations on a client that is not connected fail with ErrClientNotReady
// without a store round trip.
type Client struct {
	transition sync.Mutex // serialises Connect, Attach and Close

	mu    sync.RWMutex
	state ClientState
	conn  Conn
	blobs *BlobBinder

	registry     *Registry
	logger       Logger
	metrics      Metrics
	config       Config
	locker       Locker
	blobOverride BlobStore
	ownedLock    *DistributedLock
	resolver     *Resolver
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRegistry sets the schema registry (default: DefaultRegistry()).
func WithRegistry(reg *Registry) ClientOption {
	return func(c *Client) { c.registry = reg }
}

// WithLogger sets the logger
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics Metrics) ClientOption {
	return func(c *Client) { c.metrics = metrics }
}

// WithConfig sets the configuration. Zero fields take their defaults.
func WithConfig(cfg Config) ClientOption {
	return func(c *Client) { c.config = cfg.withDefaults() }
}

// WithBlobStore replaces the driver's native blob store.
func WithBlobStore(store BlobStore) ClientOption {
	return func(c *Client) { c.blobOverride = store }
}

// WithLocker sets the lock used by Collection.Update and by object-store
// guarded writes.
func WithLocker(l Locker) ClientOption {
	return func(c *Client) { c.locker = l }
}

// NewClient creates an unconnected client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		registry: DefaultRegistry(),
		logger:   &NoOpLogger{},
		metrics:  &NoOpMetrics{},
		config:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resolver = &Resolver{client: c}
	return c
}

// Connect creates a client and connects it.
func Connect(ctx context.Context, uri, appName string, opts ...ClientOption) (*Client, error) {
	c := NewClient(opts...)
	if err := c.Connect(ctx, uri, appName); err != nil {
		return nil, err
	}
	return c, nil
}

func connectionError(uri string, err error) error {
	ctx := map[string]interface{}{"reason": err.Error()}
	if u, perr := url.Parse(uri); perr == nil {
		ctx["uri"] = u.Redacted()
	}
	return WithContext(fmt.Errorf("%w: %w", ErrConnection, err), ctx)
}

// Connect opens the store named by uri, choosing the driver by URI scheme. On
// failure the client stays Uninitialized and the error wraps ErrConnection.
func (c *Client) Connect(ctx context.Context, uri, appName string) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	if err := c.checkConnectable(); err != nil {
		return err
	}
	if err := c.config.Validate(); err != nil {
		return err
	}

	u, err := url.Parse(uri)
	if err != nil {
		return connectionError(uri, err)
	}
	driver, ok := lookupDriver(u.Scheme)
	if !ok {
		return connectionError(uri, fmt.Errorf("no driver registered for scheme %q", u.Scheme))
	}
	if appName == "" {
		appName = c.config.AppName
	}

	if c.locker == nil {
		if opts := c.config.RedisOptions(); opts != nil {
			logger := c.logger
			c.ownedLock = NewDistributedLockWithOwnedClient(redis.NewClient(opts), DefaultLockPrefix).
				WithTTL(c.config.LockTTL).
				WithRetries(c.config.LockRetries)
			c.ownedLock.Breaker().WithStateChangeCallback(func(from, to BreakerState) {
				logger.Warn("redis lock circuit breaker changed state", "from", from, "to", to)
			})
			c.locker = c.ownedLock
		}
	}

	// A process-local striped lock is never shared with the driver: Update
	// holds a stripe while the guarded write inside it takes another.
	driverLocker := c.locker
	if _, local := driverLocker.(*StripedLocks); local {
		driverLocker = nil
	}

	cfg := c.config
	cfg.URI = uri
	cfg.AppName = appName
	conn, err := driver.Open(ctx, u, OpenOptions{
		AppName: appName,
		Config:  cfg,
		Locker:  prefixedLocker(driverLocker, "write/"),
		Logger:  c.logger,
	})
	if err != nil {
		c.releaseOwnedLock()
		return connectionError(uri, err)
	}

	c.install(conn)
	c.logger.Info("client connected",
		"scheme", u.Scheme,
		"uri", u.Redacted(),
		"app", appName,
	)
	return nil
}

// Attach connects the client to an already open Conn.
func (c *Client) Attach(conn Conn) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	if err := c.checkConnectable(); err != nil {
		return err
	}
	c.install(conn)
	c.logger.Info("client attached", "conn", fmt.Sprintf("%T", conn))
	return nil
}

func (c *Client) checkConnectable() error {
	switch c.State() {
	case StateConnected:
		return ErrAlreadyConnected
	case StateClosed:
		return WithContext(ErrClientNotReady, map[string]interface{}{"state": StateClosed.String()})
	}
	return nil
}

func (c *Client) install(conn Conn) {
	store := c.blobOverride
	if store == nil {
		store = conn.Blobs()
	}
	var binder *BlobBinder
	if store != nil {
		binder = NewBlobBinder(store, c.config.ChunkSize).
			WithDefaultStore(c.config.DefaultBlobStore).
			WithLogger(c.logger).
			WithMetrics(c.metrics)
	}
	c.mu.Lock()
	if c.locker == nil {
		c.locker = NewStripedLocks(DefaultLockStripes)
	}
	c.conn = conn
	c.blobs = binder
	c.state = StateConnected
	c.mu.Unlock()
}

func (c *Client) releaseOwnedLock() {
	if c.ownedLock != nil {
		c.ownedLock.Close()
		c.ownedLock = nil
		c.locker = nil
	}
}

// Close releases the connection. Collections bound to this client fail with
// ErrClientNotReady afterwards. Closing twice is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.Lock()
	conn := c.conn
	prev := c.state
	owned := c.ownedLock
	c.conn = nil
	c.blobs = nil
	c.state = StateClosed
	if owned != nil {
		c.ownedLock = nil
		c.locker = nil
	}
	c.mu.Unlock()

	if prev != StateConnected {
		return nil
	}
	err := conn.Close(ctx)
	if owned != nil {
		owned.Close()
	}
	c.logger.Info("client closed")
	return err
}

// State returns the lifecycle stage.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

var globalClient atomic.Pointer[Client]

// AsGlobal publishes c as the process-wide default client, replacing any
// previous one. Collections that already captured a client keep it.
func (c *Client) AsGlobal() *Client {
	globalClient.Store(c)
	return c
}

// Global returns the process-wide default client, or nil.
func Global() *Client {
	return globalClient.Load()
}

// Registry returns the client's schema registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Resolver returns the client's reference resolver.
func (c *Client) Resolver() *Resolver {
	return c.resolver
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// Logger returns the client's logger.
func (c *Client) Logger() Logger {
	return c.logger
}

// session is a snapshot of a connected client.
type session struct {
	client *Client
	conn   Conn
	blobs  *BlobBinder
	locker Locker
}

func (c *Client) session() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected {
		return nil, WithContext(ErrClientNotReady, map[string]interface{}{"state": c.state.String()})
	}
	return &session{client: c, conn: c.conn, blobs: c.blobs, locker: c.locker}, nil
}

// Codec returns a codec bound to the client's registry and blob store.
func (c *Client) Codec() (*Codec, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	return sess.codec(), nil
}

func (s *session) codec() *Codec {
	return &Codec{
		registry:     s.client.registry,
		blobs:        s.blobs,
		client:       s.client,
		defaultStore: s.client.config.DefaultBlobStore,
	}
}

func (s *session) binder() (*BlobBinder, error) {
	if s.blobs == nil {
		return nil, WithContext(ErrClientNotReady, map[string]interface{}{"reason": "connection has no blob store"})
	}
	return s.blobs, nil
}

// fetch reads one document by id.
func (s *session) fetch(ctx context.Context, collection string, id any) (Document, error) {
	cur, err := s.conn.Find(ctx, collection, Filter{IDKey: id}, FindOptions{Limit: 1})
	if err != nil {
		return nil, storeError("find", err)
	}
	defer cur.Close(context.WithoutCancel(ctx))

	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return nil, storeError("find", err)
		}
		return nil, WithContext(ErrNotFound, map[string]interface{}{
			"collection": collection,
			"id":         id,
		})
	}
	doc, err := cur.Document()
	if err != nil {
		return nil, storeError("decode", err)
	}
	return doc, nil
}

// Ping checks the store connection.
func (c *Client) Ping(ctx context.Context) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	return storeError("ping", sess.conn.Ping(ctx))
}

// OpenBlob streams the payload named by h.
func (c *Client) OpenBlob(ctx context.Context, h BlobHandle) (io.ReadCloser, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	b, err := sess.binder()
	if err != nil {
		return nil, err
	}
	return b.Load(ctx, h)
}

// StatBlob returns the stored details of h.
func (c *Client) StatBlob(ctx context.Context, h BlobHandle) (BlobInfo, error) {
	sess, err := c.session()
	if err != nil {
		return BlobInfo{}, err
	}
	b, err := sess.binder()
	if err != nil {
		return BlobInfo{}, err
	}
	return b.Stat(ctx, h)
}

// SaveBlob uploads r to the named store outside of any document.
func (c *Client) SaveBlob(ctx context.Context, r io.Reader, store, filename string) (BlobHandle, error) {
	sess, err := c.session()
	if err != nil {
		return BlobHandle{}, err
	}
	b, err := sess.binder()
	if err != nil {
		return BlobHandle{}, err
	}
	return b.Save(ctx, r, store, filename)
}

// DeleteBlob removes the payload named by h.
func (c *Client) DeleteBlob(ctx context.Context, h BlobHandle) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	b, err := sess.binder()
	if err != nil {
		return err
	}
	return b.Delete(ctx, h)
}

// Find runs a raw query against a collection.
func (c *Client) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) (DocCursor, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	cur, err := sess.conn.Find(ctx, collection, filter, opts)
	if err != nil {
		return nil, storeError("find", err)
	}
	return cur, nil
}

// prefixedLocker namespaces keys so locks taken by different layers on the
// same Locker never collide.
func prefixedLocker(l Locker, prefix string) Locker {
	if l == nil {
		return nil
	}
	return keyPrefixLocker{l: l, prefix: prefix}
}

type keyPrefixLocker struct {
	l      Locker
	prefix string
}

func (k keyPrefixLocker) Acquire(ctx context.Context, key string) (func(), error) {
	return k.l.Acquire(ctx, k.prefix+key)
}
