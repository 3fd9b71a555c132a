package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values. The chunk size is deliberately small: the ledger's
// unit of storage is a small annotated entity, and oversized payloads
// are rejected by the ledger rather than split downstream.
const (
	DefaultPort            = 8080
	DefaultRequestTimeout  = 5 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second

	DefaultMaxFileSize = 50 * 1024 * 1024 // 50 MiB
	DefaultChunkSize   = 32 * 1024        // 32 KiB
	DefaultBTLDays     = 30
	DefaultBatchSize   = 16
	DefaultSessionTTL  = 2 * time.Hour

	DefaultFreeTierMaxBytes   = 500 * 1024 * 1024 // 500 MiB
	DefaultFreeTierMaxUploads = 100
	DefaultQuotaCacheTTL      = 10 * time.Minute
	DefaultQuotaCommitTimeout = 30 * time.Second

	DefaultLedgerCallTimeout    = 30 * time.Second
	DefaultLedgerConnectTimeout = 10 * time.Second
	DefaultWritePoolMax         = 4
	DefaultReadPoolMax          = 8
	DefaultPoolIdle             = 5 * time.Minute
	DefaultPoolHealthInterval   = 30 * time.Second
	DefaultBlocksPerDay         = 2880

	DefaultKeyIndexTTL   = 7 * 24 * time.Hour
	DefaultLookupTimeout = 5 * time.Second
)

// DefaultAllowedContentTypes is the closed allowlist of MIME prefixes
// admitted at the API boundary.
var DefaultAllowedContentTypes = []string{
	"text/",
	"image/",
	"audio/",
	"video/",
	"application/json",
	"application/pdf",
	"application/zip",
	"application/octet-stream",
}

// setDefaults registers every default with viper so unset keys resolve.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.request_timeout", DefaultRequestTimeout)
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("storage.mode", string(StorageModeMemory))

	v.SetDefault("upload.max_file_size", DefaultMaxFileSize)
	v.SetDefault("upload.chunk_size", DefaultChunkSize)
	v.SetDefault("upload.default_btl_days", DefaultBTLDays)
	v.SetDefault("upload.batch_size", DefaultBatchSize)
	v.SetDefault("upload.allowed_content_types", DefaultAllowedContentTypes)
	v.SetDefault("upload.session_ttl", DefaultSessionTTL)

	v.SetDefault("quota.free_tier_max_bytes", DefaultFreeTierMaxBytes)
	v.SetDefault("quota.free_tier_max_uploads_per_day", DefaultFreeTierMaxUploads)
	v.SetDefault("quota.unlimited_bypass_key", "")
	v.SetDefault("quota.cache_ttl", DefaultQuotaCacheTTL)
	v.SetDefault("quota.commit_timeout", DefaultQuotaCommitTimeout)

	v.SetDefault("ledger.endpoint", "")
	v.SetDefault("ledger.private_key", "")
	v.SetDefault("ledger.owner_address", "")
	v.SetDefault("ledger.call_timeout", DefaultLedgerCallTimeout)
	v.SetDefault("ledger.connect_timeout", DefaultLedgerConnectTimeout)
	v.SetDefault("ledger.write_pool_max", DefaultWritePoolMax)
	v.SetDefault("ledger.read_pool_max", DefaultReadPoolMax)
	v.SetDefault("ledger.pool_idle", DefaultPoolIdle)
	v.SetDefault("ledger.pool_health_interval", DefaultPoolHealthInterval)
	v.SetDefault("ledger.blocks_per_day", DefaultBlocksPerDay)

	v.SetDefault("cache.path", "")
	v.SetDefault("cache.key_index_ttl", DefaultKeyIndexTTL)
	v.SetDefault("cache.lookup_timeout", DefaultLookupTimeout)
}

// Default returns the fully-populated default configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Server: ServerConfig{
			Port:            DefaultPort,
			RequestTimeout:  DefaultRequestTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Storage: StorageConfig{
			Mode: StorageModeMemory,
		},
		Upload: UploadConfig{
			MaxFileSize:         DefaultMaxFileSize,
			ChunkSize:           DefaultChunkSize,
			DefaultBTLDays:      DefaultBTLDays,
			BatchSize:           DefaultBatchSize,
			AllowedContentTypes: DefaultAllowedContentTypes,
			SessionTTL:          DefaultSessionTTL,
		},
		Quota: QuotaConfig{
			FreeTierMaxBytes:         DefaultFreeTierMaxBytes,
			FreeTierMaxUploadsPerDay: DefaultFreeTierMaxUploads,
			CacheTTL:                 DefaultQuotaCacheTTL,
			CommitTimeout:            DefaultQuotaCommitTimeout,
		},
		Ledger: LedgerConfig{
			CallTimeout:        DefaultLedgerCallTimeout,
			ConnectTimeout:     DefaultLedgerConnectTimeout,
			WritePoolMax:       DefaultWritePoolMax,
			ReadPoolMax:        DefaultReadPoolMax,
			PoolIdle:           DefaultPoolIdle,
			PoolHealthInterval: DefaultPoolHealthInterval,
			BlocksPerDay:       DefaultBlocksPerDay,
		},
		Cache: CacheConfig{
			KeyIndexTTL:   DefaultKeyIndexTTL,
			LookupTimeout: DefaultLookupTimeout,
		},
	}
}
