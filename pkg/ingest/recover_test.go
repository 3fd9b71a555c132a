package ingest

import (
	"context"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/m00npl/filedb/pkg/chunker"
	"github.com/m00npl/filedb/pkg/keycache"
	"github.com/m00npl/filedb/pkg/ledger"
	"github.com/m00npl/filedb/pkg/ledger/pool"
	"github.com/m00npl/filedb/pkg/metrics"
	"github.com/m00npl/filedb/pkg/quota"
	"github.com/m00npl/filedb/pkg/session"
)

func TestRecoverOrphansFailsInterruptedSessions(t *testing.T) {
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("badger.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	sessions := session.NewStore(db, time.Hour)

	// A session the previous process never finished.
	orphan := &session.UploadSession{
		FileID:         "orphan-file",
		IdempotencyKey: "orphan-key",
		Metadata:       &chunker.FileMetadata{FileID: "orphan-file", ChunkCount: 8},
		Status:         session.StatusUploading,
		TotalChunks:    8,
		StartedAt:      time.Now().UTC().Add(-time.Minute),
	}
	if err := sessions.Put(ctx, orphan); err != nil {
		t.Fatal(err)
	}

	backend := ledger.NewMemoryBackend()
	p := pool.New(backend.Factory(), pool.Config{BlocksPerDay: 2880})
	p.Start(ctx)
	t.Cleanup(p.Close)

	// A fresh store over the same db simulates the restarted process.
	pipeline := New(Config{MaxFileSize: 1 << 20}, p, chunker.New(4),
		session.NewStore(db, time.Hour),
		keycache.New(nil, time.Hour, time.Second),
		quota.New(quota.NewMemoryBackend(), quota.Config{MaxBytes: 1 << 30, MaxUploadsPerDay: 100}),
		metrics.New())

	if err := pipeline.RecoverOrphans(ctx); err != nil {
		t.Fatalf("RecoverOrphans() error = %v", err)
	}

	got, err := pipeline.sessions.Get(ctx, "orphan-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != session.StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if got.Error == "" {
		t.Error("recovered orphan carries no error message")
	}
}
