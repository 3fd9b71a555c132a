package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"

	"github.com/m00npl/filedb/internal/logger"
	"github.com/m00npl/filedb/pkg/api"
	"github.com/m00npl/filedb/pkg/chunker"
	"github.com/m00npl/filedb/pkg/config"
	"github.com/m00npl/filedb/pkg/ingest"
	"github.com/m00npl/filedb/pkg/keycache"
	"github.com/m00npl/filedb/pkg/ledger"
	"github.com/m00npl/filedb/pkg/ledger/pool"
	"github.com/m00npl/filedb/pkg/metrics"
	"github.com/m00npl/filedb/pkg/query"
	"github.com/m00npl/filedb/pkg/quota"
	"github.com/m00npl/filedb/pkg/retrieve"
	"github.com/m00npl/filedb/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the filedb server",
	Long: `Start the filedb HTTP server with the configured storage mode.

Examples:
  # Memory mode with defaults
  filedb serve

  # Against a real ledger
  FILEDB_STORAGE_MODE=ledger FILEDB_LEDGER_ENDPOINT=https://ledger.example \
    FILEDB_LEDGER_PRIVATE_KEY=0x... filedb serve --config /etc/filedb/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting filedb",
		"version", Version,
		"storage_mode", string(cfg.Storage.Mode),
		"port", cfg.Server.Port)

	// Shared badger instance behind the session store and key cache.
	// An empty path keeps badger in memory.
	opts := badger.DefaultOptions(cfg.Cache.Path).WithLogger(nil)
	if cfg.Cache.Path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}
	defer db.Close()

	var factory ledger.Factory
	switch cfg.Storage.Mode {
	case config.StorageModeLedger:
		factory = ledger.RPCFactory(ledger.RPCConfig{
			Endpoint:       cfg.Ledger.Endpoint,
			Credential:     cfg.Ledger.PrivateKey,
			OwnerAddress:   cfg.Ledger.OwnerAddress,
			ConnectTimeout: cfg.Ledger.ConnectTimeout,
		})
	default:
		factory = ledger.NewMemoryBackend().Factory()
	}

	ledgerPool := pool.New(factory, pool.Config{
		ReadMax:        cfg.Ledger.ReadPoolMax,
		WriteMax:       cfg.Ledger.WritePoolMax,
		IdleTimeout:    cfg.Ledger.PoolIdle,
		HealthInterval: cfg.Ledger.PoolHealthInterval,
		ConnectTimeout: cfg.Ledger.ConnectTimeout,
		BlocksPerDay:   cfg.Ledger.BlocksPerDay,
	})
	ledgerPool.Start(ctx)
	defer ledgerPool.Close()

	m := metrics.New()
	m.RegisterPool("read", func() (int, int, int) { return ledgerPool.Stats(pool.Read) })
	m.RegisterPool("write", func() (int, int, int) { return ledgerPool.Stats(pool.Write) })

	var quotaBackend quota.Backend
	if cfg.Storage.Mode == config.StorageModeLedger {
		quotaBackend = quota.NewLedgerBackend(ledgerPool)
	} else {
		quotaBackend = quota.NewMemoryBackend()
	}
	accountant := quota.New(quotaBackend, quota.Config{
		MaxBytes:         cfg.Quota.FreeTierMaxBytes,
		MaxUploadsPerDay: cfg.Quota.FreeTierMaxUploadsPerDay,
		CacheTTL:         cfg.Quota.CacheTTL,
		CommitTimeout:    cfg.Quota.CommitTimeout,
		BypassKey:        cfg.Quota.UnlimitedBypassKey,
	})
	defer accountant.Flush()

	sessions := session.NewStore(db, cfg.Upload.SessionTTL)
	sessions.OnCacheFallback(m.SessionCacheFallbacks.Inc)
	keys := keycache.New(db, cfg.Cache.KeyIndexTTL, cfg.Cache.LookupTimeout)
	split := chunker.New(cfg.Upload.ChunkSize)

	pipeline := ingest.New(ingest.Config{
		MaxFileSize:         cfg.Upload.MaxFileSize,
		DefaultBTLDays:      cfg.Upload.DefaultBTLDays,
		BatchSize:           cfg.Upload.BatchSize,
		AllowedContentTypes: cfg.Upload.AllowedContentTypes,
		CallTimeout:         cfg.Ledger.CallTimeout,
	}, ledgerPool, split, sessions, keys, accountant, m)

	// Sessions a previous process left in flight have no writer
	// anymore; fail them up front so status reads are honest.
	if err := pipeline.RecoverOrphans(ctx); err != nil {
		logger.Warn("session recovery failed", "error", err)
	}

	handlers := api.NewHandlers(
		pipeline,
		retrieve.New(ledgerPool, split, keys, m),
		query.New(ledgerPool),
		sessions,
		accountant,
		ledgerPool,
		db,
		cfg.Upload.MaxFileSize,
	)
	router := api.NewRouter(handlers, m, cfg.Server.RequestTimeout)
	server := api.NewServer(api.ServerConfig{
		Port:            cfg.Server.Port,
		RequestTimeout:  cfg.Server.RequestTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, router)

	serveErr := server.Start(ctx)

	// The listener is down; drain writers before the pool closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := pipeline.Shutdown(drainCtx); err != nil {
		logger.Warn("writer drain incomplete", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	logger.Info("filedb stopped")
	return nil
}
