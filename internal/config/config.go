package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the bookmark sync service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode the X-User-ID header is accepted as the caller identity.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type: "postgres", "sqlite", or "mongo".
	DatastoreType string

	// Cache backend type: "redis" or "none".
	CacheType string

	// Redis
	RedisURL string

	// Checksum-meta cache TTL.
	ChecksumCacheTTL time.Duration

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // internal URL for OIDC discovery (when issuer URL is not reachable)

	// APIKeys maps API key values to user IDs (BOOKMARK_SYNC_API_KEYS_<USER>=<key>).
	APIKeys map[string]string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port was explicitly
	// provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables access logging for /health, /ready, /metrics.
	ManagementAccessLog bool

	// Sync limits
	PushBatchMaxOps int // server-enforced max operations per push batch
	PullDefaultLimit int
	PullMaxLimit     int

	// CORS for browser clients
	CORSEnabled bool
	CORSOrigins string // comma-separated allowed origins, empty or "*" allows any

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Temporary file directory. Empty uses platform default temp directory.
	TempDir string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		CacheType:               "none",
		ChecksumCacheTTL:        10 * time.Minute,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		PushBatchMaxOps:  100,
		PullDefaultLimit: 100,
		PullMaxLimit:     1000,
		MaxBodySize:      10 * 1024 * 1024, // 10 MB
		DrainTimeout:     30,
		DBMaxOpenConns:   25,
		DBMaxIdleConns:   5,
	}
}

// APIKeyEnvPrefix is the environment prefix for per-user API keys.
const APIKeyEnvPrefix = "BOOKMARK_SYNC_API_KEYS_"

// ApplyAPIKeysFromEnv collects BOOKMARK_SYNC_API_KEYS_<USER>=<key> variables
// into the APIKeys map (key value → user id).
func (c *Config) ApplyAPIKeysFromEnv() {
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, APIKeyEnvPrefix) {
			continue
		}
		user := strings.ToLower(strings.TrimPrefix(name, APIKeyEnvPrefix))
		if user == "" || value == "" {
			continue
		}
		if c.APIKeys == nil {
			c.APIKeys = map[string]string{}
		}
		c.APIKeys[value] = user
	}
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}
