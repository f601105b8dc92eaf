package simple

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrianmcphee/smarterdoc"
)

// DB is the simple API entry point.
// It wraps a smarterdoc Client with sensible defaults.
//
// Example:
//
//	db, err := simple.Connect()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
type DB struct {
	client   *smarterdoc.Client
	registry *smarterdoc.Registry
}

type settings struct {
	uri        string
	appName    string
	config     smarterdoc.Config
	clientOpts []smarterdoc.ClientOption
	registry   *smarterdoc.Registry
	global     bool
}

// Option is a functional option for configuring DB.
type Option func(*settings) error

// Connect creates a new DB with auto-detected configuration and publishes its
// client as the global client.
//
// Environment variables:
//   - SMARTERDOC_URI: store URI (file://, s3://, minio://, gs://, mongodb://)
//   - DATA_PATH: filesystem store path when SMARTERDOC_URI is unset (default: "./data")
//   - REDIS_ADDR: Redis address; enables distributed locking when set
//
// Example:
//
//	db, err := simple.Connect()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
func Connect(opts ...Option) (*DB, error) {
	s := &settings{
		config:   smarterdoc.ConfigFromEnv(),
		registry: smarterdoc.NewRegistry(),
		global:   true,
	}
	s.uri = s.config.URI
	s.appName = s.config.AppName

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.uri == "" {
		uri, err := defaultURI()
		if err != nil {
			return nil, fmt.Errorf("failed to detect store: %w", err)
		}
		s.uri = uri
	}

	clientOpts := append([]smarterdoc.ClientOption{
		smarterdoc.WithConfig(s.config),
		smarterdoc.WithRegistry(s.registry),
	}, s.clientOpts...)

	client, err := smarterdoc.Connect(context.Background(), s.uri, s.appName, clientOpts...)
	if err != nil {
		return nil, err
	}
	if s.global {
		client.AsGlobal()
	}
	return &DB{client: client, registry: s.registry}, nil
}

// MustConnect is like Connect but panics on error.
// Use this for demos, prototypes, and when failure should crash the app.
//
// Example:
//
//	db := simple.MustConnect()
//	defer db.Close()
func MustConnect(opts ...Option) *DB {
	db, err := Connect(opts...)
	if err != nil {
		panic(fmt.Sprintf("simple.MustConnect failed: %v", err))
	}
	return db
}

// Close closes the underlying client.
func (db *DB) Close() error {
	return db.client.Close(context.Background())
}

// Client returns the underlying smarterdoc client.
// Use this to drop down to the core API when needed.
func (db *DB) Client() *smarterdoc.Client {
	return db.client
}

// Registry returns the schema registry collections register into.
func (db *DB) Registry() *smarterdoc.Registry {
	return db.registry
}

// defaultURI points at a filesystem store under DATA_PATH.
func defaultURI() (string, error) {
	dataPath := os.Getenv("DATA_PATH")
	if dataPath == "" {
		dataPath = "./data"
	}
	abs, err := filepath.Abs(dataPath)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// Functional options

// WithURI sets the store URI.
func WithURI(uri string) Option {
	return func(s *settings) error {
		s.uri = uri
		return nil
	}
}

// WithDataPath uses a filesystem store rooted at path.
func WithDataPath(path string) Option {
	return func(s *settings) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		s.uri = "file://" + filepath.ToSlash(abs)
		return nil
	}
}

// WithAppName sets the application name reported to the store.
func WithAppName(name string) Option {
	return func(s *settings) error {
		s.appName = name
		return nil
	}
}

// WithConfig replaces the environment-derived configuration.
func WithConfig(cfg smarterdoc.Config) Option {
	return func(s *settings) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.config = cfg
		return nil
	}
}

// WithClientOptions passes options through to the smarterdoc client.
func WithClientOptions(opts ...smarterdoc.ClientOption) Option {
	return func(s *settings) error {
		s.clientOpts = append(s.clientOpts, opts...)
		return nil
	}
}

// WithRegistry registers collections into reg instead of a private registry.
func WithRegistry(reg *smarterdoc.Registry) Option {
	return func(s *settings) error {
		s.registry = reg
		return nil
	}
}

// WithoutGlobal keeps the client out of the process-wide global slot.
func WithoutGlobal() Option {
	return func(s *settings) error {
		s.global = false
		return nil
	}
}
