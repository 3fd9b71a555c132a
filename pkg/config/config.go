// Package config loads and validates the filedb configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (FILEDB_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// StorageMode selects the durable backend for chunks and metadata.
type StorageMode string

const (
	// StorageModeMemory keeps all entities in process memory. Intended
	// for development and tests.
	StorageModeMemory StorageMode = "memory"

	// StorageModeLedger persists entities to the external ledger.
	StorageModeLedger StorageMode = "ledger"
)

// Config represents the filedb server configuration.
//
// Static configuration only: everything here is read once at boot and
// wired into the composition root. There is no dynamic reconfiguration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Storage selects and tunes the durable backend.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Upload bounds admission and chunking.
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`

	// Quota configures the free-tier ceilings.
	Quota QuotaConfig `mapstructure:"quota" yaml:"quota"`

	// Ledger configures the ledger endpoint and client pools.
	Ledger LedgerConfig `mapstructure:"ledger" yaml:"ledger"`

	// Cache configures the badger-backed session and key caches.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// Port is the TCP port the API listens on.
	Port int `mapstructure:"port" validate:"required,gt=0,lte=65535" yaml:"port"`

	// RequestTimeout bounds a single inbound request. The background
	// writer is not bound by this deadline.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"required,gt=0" yaml:"request_timeout"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// StorageConfig selects the durable backend.
type StorageConfig struct {
	// Mode is "memory" or "ledger".
	Mode StorageMode `mapstructure:"mode" validate:"required,oneof=memory ledger" yaml:"mode"`
}

// UploadConfig bounds admission and chunking.
type UploadConfig struct {
	// MaxFileSize rejects larger payloads at admission.
	MaxFileSize int64 `mapstructure:"max_file_size" validate:"required,gt=0" yaml:"max_file_size"`

	// ChunkSize is the size of the uncompressed chunk slice.
	ChunkSize int `mapstructure:"chunk_size" validate:"required,gt=0" yaml:"chunk_size"`

	// DefaultBTLDays is the expiration window used when the request
	// does not carry a BTL-Days header.
	DefaultBTLDays int `mapstructure:"default_btl_days" validate:"required,gt=0" yaml:"default_btl_days"`

	// BatchSize is the number of chunks per ledger batch write.
	BatchSize int `mapstructure:"batch_size" validate:"required,gt=0" yaml:"batch_size"`

	// AllowedContentTypes is the closed allowlist of MIME prefixes
	// admitted at the API boundary.
	AllowedContentTypes []string `mapstructure:"allowed_content_types" validate:"required,min=1" yaml:"allowed_content_types"`

	// SessionTTL bounds how long an upload session is retrievable.
	SessionTTL time.Duration `mapstructure:"session_ttl" validate:"required,gt=0" yaml:"session_ttl"`
}

// QuotaConfig configures the free-tier ceilings.
type QuotaConfig struct {
	// FreeTierMaxBytes is the per-user daily byte ceiling.
	FreeTierMaxBytes int64 `mapstructure:"free_tier_max_bytes" validate:"required,gt=0" yaml:"free_tier_max_bytes"`

	// FreeTierMaxUploadsPerDay is the per-user daily upload count ceiling.
	FreeTierMaxUploadsPerDay int `mapstructure:"free_tier_max_uploads_per_day" validate:"required,gt=0" yaml:"free_tier_max_uploads_per_day"`

	// UnlimitedBypassKey, when presented by a caller, skips quota
	// checks entirely. Empty disables the bypass.
	UnlimitedBypassKey string `mapstructure:"unlimited_bypass_key" yaml:"unlimited_bypass_key"`

	// CacheTTL bounds how long a quota record read from the
	// authoritative store is trusted.
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"required,gt=0" yaml:"cache_ttl"`

	// CommitTimeout bounds the best-effort authoritative write.
	CommitTimeout time.Duration `mapstructure:"commit_timeout" validate:"required,gt=0" yaml:"commit_timeout"`
}

// LedgerConfig configures the ledger endpoint and the client pools.
type LedgerConfig struct {
	// Endpoint is the ledger JSON-RPC URL.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// PrivateKey is the hex-encoded write credential. Only handles
	// holding a credential may occupy the write pool.
	PrivateKey string `mapstructure:"private_key" yaml:"private_key"`

	// OwnerAddress scopes attribute queries to this service's entities.
	OwnerAddress string `mapstructure:"owner_address" yaml:"owner_address"`

	// CallTimeout is the per-ledger-call deadline.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"required,gt=0" yaml:"call_timeout"`

	// ConnectTimeout bounds handle creation.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"required,gt=0" yaml:"connect_timeout"`

	// WritePoolMax and ReadPoolMax bound pool sizes.
	WritePoolMax int `mapstructure:"write_pool_max" validate:"required,gt=0" yaml:"write_pool_max"`
	ReadPoolMax  int `mapstructure:"read_pool_max" validate:"required,gt=0" yaml:"read_pool_max"`

	// PoolIdle is how long a handle may sit idle before the health
	// loop evicts it.
	PoolIdle time.Duration `mapstructure:"pool_idle" validate:"required,gt=0" yaml:"pool_idle"`

	// PoolHealthInterval is the health loop period.
	PoolHealthInterval time.Duration `mapstructure:"pool_health_interval" validate:"required,gt=0" yaml:"pool_health_interval"`

	// BlocksPerDay converts btl_days to blocks when the timing probe
	// is unavailable. Overridden at startup by the probe when it
	// succeeds.
	BlocksPerDay int `mapstructure:"blocks_per_day" validate:"required,gt=0" yaml:"blocks_per_day"`
}

// CacheConfig configures the embedded badger store backing the session
// store, entity-key cache, and quota cache.
type CacheConfig struct {
	// Path is the badger data directory. Empty selects an in-memory
	// badger instance.
	Path string `mapstructure:"path" yaml:"path"`

	// KeyIndexTTL bounds entity-key index entries.
	KeyIndexTTL time.Duration `mapstructure:"key_index_ttl" validate:"required,gt=0" yaml:"key_index_ttl"`

	// LookupTimeout bounds a single cache read before the caller falls
	// back to a ledger query.
	LookupTimeout time.Duration `mapstructure:"lookup_timeout" validate:"required,gt=0" yaml:"lookup_timeout"`
}

// Load reads configuration from the given file path (optional) plus
// FILEDB_* environment variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FILEDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration against struct validation rules
// plus cross-field constraints the tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Storage.Mode == StorageModeLedger {
		if c.Ledger.Endpoint == "" {
			return fmt.Errorf("invalid configuration: ledger.endpoint is required in ledger mode")
		}
		if c.Ledger.PrivateKey == "" {
			return fmt.Errorf("invalid configuration: ledger.private_key is required in ledger mode")
		}
	}

	if int64(c.Upload.ChunkSize) > c.Upload.MaxFileSize {
		return fmt.Errorf("invalid configuration: chunk_size %d exceeds max_file_size %d",
			c.Upload.ChunkSize, c.Upload.MaxFileSize)
	}

	return nil
}

// WriteDefault writes the default configuration to path as YAML.
// Fails if the file already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %q already exists", path)
	}

	cfg := Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
