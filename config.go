package smarterdoc

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration constants for smarterdoc operations
const (
	// Blob configuration
	DefaultChunkSize     = 255 * 1024
	MaxChunkSize         = 16 * 1024 * 1024
	DefaultBlobStoreName = "default"

	// Reference resolution
	DefaultMaxResolveHops = 8

	// Store configuration
	DefaultDatabase = "smarterdoc"
	DefaultAppName  = "smarterdoc"

	// Lock configuration
	DefaultLockTTL     = 10 * time.Second
	DefaultLockRetries = 3
	DefaultLockStripes = 32

	// Redis circuit breaker
	DefaultBreakerFailures = 5
	DefaultBreakerReset    = 30 * time.Second

	// DefaultLockPrefix namespaces the Redis keys of the client's distributed lock.
	DefaultLockPrefix = "smarterdoc"

	// Lock retry backoff
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultJitterPercent  = 0.5 // 50% jitter to avoid thundering herd

	// Object backend configuration
	DefaultListPaginatedSize = 100
	DefaultFilePermissions   = 0644
	DefaultDirPermissions    = 0755
)

// Config holds the settings a Client is connected with. Zero fields fall back to
// the defaults in DefaultConfig.
type Config struct {
	URI              string        `yaml:"uri"`
	AppName          string        `yaml:"app_name"`
	Database         string        `yaml:"database"`
	ChunkSize        int           `yaml:"chunk_size"`
	MaxResolveHops   int           `yaml:"max_resolve_hops"`
	DefaultBlobStore string        `yaml:"default_blob_store"`
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPassword    string        `yaml:"redis_password"`
	RedisDB          int           `yaml:"redis_db"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	LockRetries      int           `yaml:"lock_retries"`
	EncryptionKey    string        `yaml:"encryption_key"` // hex AES-256 key; object stores only
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		AppName:          DefaultAppName,
		Database:         DefaultDatabase,
		ChunkSize:        DefaultChunkSize,
		MaxResolveHops:   DefaultMaxResolveHops,
		DefaultBlobStore: DefaultBlobStoreName,
		LockTTL:          DefaultLockTTL,
		LockRetries:      DefaultLockRetries,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AppName == "" {
		c.AppName = d.AppName
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxResolveHops == 0 {
		c.MaxResolveHops = d.MaxResolveHops
	}
	if c.DefaultBlobStore == "" {
		c.DefaultBlobStore = d.DefaultBlobStore
	}
	if c.LockTTL == 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockRetries == 0 {
		c.LockRetries = d.LockRetries
	}
	return c
}

// Validate checks if the Config is valid
func (c Config) Validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize > MaxChunkSize {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "ChunkSize",
			"value":  c.ChunkSize,
			"reason": fmt.Sprintf("must be between 1 and %d", MaxChunkSize),
		})
	}
	if c.MaxResolveHops < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxResolveHops",
			"value":  c.MaxResolveHops,
			"reason": "must be >= 1",
		})
	}
	if c.DefaultBlobStore == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "DefaultBlobStore",
			"reason": "blob store name is required",
		})
	}
	if c.LockTTL <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "LockTTL",
			"value":  c.LockTTL,
			"reason": "must be positive",
		})
	}
	if c.EncryptionKey != "" {
		if _, err := ParseEncryptionKey(c.EncryptionKey); err != nil {
			return err
		}
	}
	if c.LockRetries < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "LockRetries",
			"value":  c.LockRetries,
			"reason": "must be non-negative",
		})
	}
	return nil
}

// ConfigFromEnv returns DefaultConfig overlaid with environment variables.
//
// Environment variables read:
//   - SMARTERDOC_URI
//   - SMARTERDOC_APP_NAME
//   - SMARTERDOC_DATABASE
//   - SMARTERDOC_CHUNK_SIZE
//   - SMARTERDOC_MAX_RESOLVE_HOPS
//   - SMARTERDOC_BLOB_STORE
//   - SMARTERDOC_LOCK_TTL (Go duration, e.g. "10s")
//   - SMARTERDOC_ENCRYPTION_KEY (64 hex characters)
//   - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
func ConfigFromEnv() Config {
	c := DefaultConfig()
	c.URI = os.Getenv("SMARTERDOC_URI")
	if v := os.Getenv("SMARTERDOC_APP_NAME"); v != "" {
		c.AppName = v
	}
	if v := os.Getenv("SMARTERDOC_DATABASE"); v != "" {
		c.Database = v
	}
	c.ChunkSize = getEnvAsInt("SMARTERDOC_CHUNK_SIZE", c.ChunkSize)
	c.MaxResolveHops = getEnvAsInt("SMARTERDOC_MAX_RESOLVE_HOPS", c.MaxResolveHops)
	if v := os.Getenv("SMARTERDOC_BLOB_STORE"); v != "" {
		c.DefaultBlobStore = v
	}
	if v := os.Getenv("SMARTERDOC_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.LockTTL = d
		}
	}
	c.EncryptionKey = os.Getenv("SMARTERDOC_ENCRYPTION_KEY")
	c.RedisAddr = os.Getenv("REDIS_ADDR")
	c.RedisPassword = os.Getenv("REDIS_PASSWORD")
	c.RedisDB = getEnvAsInt("REDIS_DB", 0)
	return c
}

// LoadConfig reads a YAML configuration file. Keys missing from the file keep
// their default values.
//
//	uri: mongodb://localhost:27017/app
//	app_name: billing
//	chunk_size: 1048576
//	lock_ttl: 5s
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, WithContext(ErrInvalidConfig, map[string]interface{}{
			"path":   path,
			"reason": err.Error(),
		})
	}
	c = c.withDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// RetryConfig holds configuration for retry operations with exponential backoff
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	JitterPercent  float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     DefaultLockRetries,
		InitialBackoff: DefaultInitialBackoff,
		JitterPercent:  DefaultJitterPercent,
	}
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxRetries",
			"value":  c.MaxRetries,
			"reason": "must be non-negative",
		})
	}
	if c.InitialBackoff <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialBackoff",
			"value":  c.InitialBackoff,
			"reason": "must be positive",
		})
	}
	if c.JitterPercent < 0 || c.JitterPercent > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "JitterPercent",
			"value":  c.JitterPercent,
			"reason": "must be between 0 and 1",
		})
	}
	return nil
}

// getEnvAsInt reads an integer environment variable with a default fallback.
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}
