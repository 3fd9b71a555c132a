package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != DefaultPort {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Upload.ChunkSize != DefaultChunkSize {
		t.Errorf("Upload.ChunkSize = %d, want %d", cfg.Upload.ChunkSize, DefaultChunkSize)
	}
	if cfg.Upload.BatchSize != DefaultBatchSize {
		t.Errorf("Upload.BatchSize = %d, want %d", cfg.Upload.BatchSize, DefaultBatchSize)
	}
	if cfg.Storage.Mode != StorageModeMemory {
		t.Errorf("Storage.Mode = %q, want %q", cfg.Storage.Mode, StorageModeMemory)
	}
	if cfg.Upload.SessionTTL != 2*time.Hour {
		t.Errorf("Upload.SessionTTL = %v, want 2h", cfg.Upload.SessionTTL)
	}
	if cfg.Ledger.BlocksPerDay != 2880 {
		t.Errorf("Ledger.BlocksPerDay = %d, want 2880", cfg.Ledger.BlocksPerDay)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filedb.yaml")
	content := `
server:
  port: 9090
upload:
  max_file_size: 1048576
  chunk_size: 4096
quota:
  free_tier_max_bytes: 2097152
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Upload.MaxFileSize != 1048576 {
		t.Errorf("Upload.MaxFileSize = %d, want 1048576", cfg.Upload.MaxFileSize)
	}
	if cfg.Upload.ChunkSize != 4096 {
		t.Errorf("Upload.ChunkSize = %d, want 4096", cfg.Upload.ChunkSize)
	}
	// Unset keys keep defaults.
	if cfg.Upload.BatchSize != DefaultBatchSize {
		t.Errorf("Upload.BatchSize = %d, want default %d", cfg.Upload.BatchSize, DefaultBatchSize)
	}
}

func TestLedgerModeRequiresEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Storage.Mode = StorageModeLedger

	if err := cfg.Validate(); err == nil {
		t.Error("ledger mode without endpoint should fail validation")
	}

	cfg.Ledger.Endpoint = "http://localhost:8545"
	if err := cfg.Validate(); err == nil {
		t.Error("ledger mode without private key should fail validation")
	}

	cfg.Ledger.PrivateKey = "deadbeef"
	if err := cfg.Validate(); err != nil {
		t.Errorf("fully specified ledger mode should validate, got %v", err)
	}
}

func TestChunkSizeBoundedByMaxFileSize(t *testing.T) {
	cfg := Default()
	cfg.Upload.ChunkSize = 1024
	cfg.Upload.MaxFileSize = 512

	if err := cfg.Validate(); err == nil {
		t.Error("chunk_size larger than max_file_size should fail validation")
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filedb.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Error("WriteDefault() should refuse to overwrite an existing file")
	}

	// The written file must round-trip through Load.
	if _, err := Load(path); err != nil {
		t.Errorf("Load(written default) error = %v", err)
	}
}
