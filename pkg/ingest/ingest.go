// Package ingest admits uploads and persists them to the ledger
// through an asynchronous batched writer.
//
// InitiateUpload is synchronous only through admission: it validates,
// reserves quota, chunks the payload, persists the session, and
// returns the file id. A detached writer goroutine then pushes the
// chunks to the ledger in batches, falling back to individual writes
// when batch retries are exhausted.
package ingest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/m00npl/filedb/internal/logger"
	"github.com/m00npl/filedb/pkg/chunker"
	"github.com/m00npl/filedb/pkg/fserr"
	"github.com/m00npl/filedb/pkg/keycache"
	"github.com/m00npl/filedb/pkg/ledger/pool"
	"github.com/m00npl/filedb/pkg/metrics"
	"github.com/m00npl/filedb/pkg/quota"
	"github.com/m00npl/filedb/pkg/session"
)

// Config tunes admission and the writer.
type Config struct {
	MaxFileSize    int64
	DefaultBTLDays int
	BatchSize      int

	// AllowedContentTypes are admitted MIME prefixes. Empty admits
	// everything (tests only; production configs always set a list).
	AllowedContentTypes []string

	// CallTimeout bounds each individual ledger call made by the
	// writer; the retry budget sits above it.
	CallTimeout time.Duration
}

// UploadRequest carries one admission attempt.
type UploadRequest struct {
	Payload        []byte
	Filename       string
	ContentType    string
	Owner          string
	UserID         string
	IdempotencyKey string
	BTLDays        int

	// QuotaBypassKey is matched against the configured bypass secret;
	// a match skips quota check and commit.
	QuotaBypassKey string
}

// Pipeline owns admission and the per-session writers.
type Pipeline struct {
	cfg      Config
	pool     *pool.Pool
	chunker  *chunker.Chunker
	sessions *session.Store
	keys     *keycache.Cache
	quota    *quota.Accountant
	metrics  *metrics.Metrics

	shuttingDown atomic.Bool
	writers      sync.WaitGroup
}

// New wires the pipeline. All collaborators are required.
func New(cfg Config, p *pool.Pool, c *chunker.Chunker, sessions *session.Store, keys *keycache.Cache, q *quota.Accountant, m *metrics.Metrics) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.DefaultBTLDays <= 0 {
		cfg.DefaultBTLDays = 30
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Pipeline{
		cfg:      cfg,
		pool:     p,
		chunker:  c,
		sessions: sessions,
		keys:     keys,
		quota:    q,
		metrics:  m,
	}
}

// InitiateUpload runs admission and launches the async writer. Each
// step short-circuits; on success the file id is returned without
// waiting for ledger persistence.
func (p *Pipeline) InitiateUpload(ctx context.Context, req UploadRequest) (string, error) {
	if p.shuttingDown.Load() {
		return "", fserr.New(fserr.CodeShuttingDown, "server is shutting down")
	}

	if len(req.Payload) == 0 {
		return "", fserr.New(fserr.CodeValidation, "empty payload")
	}
	if int64(len(req.Payload)) > p.cfg.MaxFileSize {
		return "", fserr.Newf(fserr.CodeTooLarge,
			"payload is %d bytes, limit is %d", len(req.Payload), p.cfg.MaxFileSize)
	}
	if !p.contentTypeAllowed(req.ContentType) {
		return "", fserr.Newf(fserr.CodeUnsupportedType,
			"content type %q is not allowed", req.ContentType)
	}

	bypassed := p.quota.Bypassed(req.QuotaBypassKey)
	if !bypassed {
		decision, err := p.quota.Check(ctx, req.UserID, int64(len(req.Payload)))
		if err != nil {
			return "", err
		}
		if !decision.Allowed {
			p.metrics.QuotaDenials.Inc()
			return "", fserr.New(fserr.CodeQuotaExceeded, decision.Reason)
		}
	}

	// Idempotency replay: an existing session for this key wins and
	// schedules no new work, regardless of the new payload.
	if existing, err := p.sessions.Get(ctx, req.IdempotencyKey); err == nil {
		logger.Debug("idempotent replay",
			"idempotency_key", req.IdempotencyKey,
			"file_id", existing.FileID)
		return existing.FileID, nil
	}

	fileID := uuid.NewString()

	btlDays := req.BTLDays
	if btlDays <= 0 {
		btlDays = p.cfg.DefaultBTLDays
	}
	expiration, err := p.pool.ExpirationBlock(ctx, btlDays)
	if err != nil {
		return "", err
	}

	chunks, meta, err := p.chunker.Split(req.Payload, chunker.SplitRequest{
		FileID:          fileID,
		Filename:        req.Filename,
		ContentType:     req.ContentType,
		Owner:           req.Owner,
		BTLDays:         btlDays,
		ExpirationBlock: expiration,
	})
	if err != nil {
		return "", err
	}

	sess := &session.UploadSession{
		FileID:         fileID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       meta,
		Status:         session.StatusUploading,
		TotalChunks:    meta.ChunkCount,
		StartedAt:      time.Now().UTC(),
	}
	if err := p.sessions.Put(ctx, sess); err != nil {
		return "", err
	}

	if !bypassed {
		p.quota.Commit(ctx, req.UserID, int64(len(req.Payload)))
	}

	p.metrics.UploadsStarted.Inc()
	p.metrics.BytesIngested.Add(float64(len(req.Payload)))

	p.writers.Add(1)
	go func() {
		defer p.writers.Done()
		p.runWriter(meta, chunks, sess)
	}()

	logger.Info("upload admitted",
		"file_id", fileID,
		"user_id", req.UserID,
		"size", meta.TotalSize,
		"chunks", meta.ChunkCount,
		"btl_days", btlDays)

	return fileID, nil
}

func (p *Pipeline) contentTypeAllowed(contentType string) bool {
	if len(p.cfg.AllowedContentTypes) == 0 {
		return true
	}
	for _, prefix := range p.cfg.AllowedContentTypes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

// RecoverOrphans marks sessions left UPLOADING by a previous process
// as FAILED. Their writers died with that process; the client retries
// with a fresh idempotency key.
func (p *Pipeline) RecoverOrphans(ctx context.Context) error {
	orphans, err := p.sessions.Recover(ctx)
	if err != nil {
		return err
	}
	for _, s := range orphans {
		s.Status = session.StatusFailed
		s.Error = "upload interrupted by server restart"
		if err := p.sessions.Put(ctx, s); err != nil {
			return err
		}
		p.metrics.UploadsFailed.Inc()
		logger.Warn("orphaned upload session failed",
			"file_id", s.FileID,
			"chunks_uploaded", s.ChunksUploadedToLedger,
			"total_chunks", s.TotalChunks)
	}
	if len(orphans) > 0 {
		logger.Info("session recovery finished", "orphans", len(orphans))
	}
	return nil
}

// Shutdown refuses new uploads and waits for in-flight writers until
// ctx expires.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.shuttingDown.Store(true)

	done := make(chan struct{})
	go func() {
		p.writers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fserr.Wrap(fserr.CodeTimeout, "writers still in flight at shutdown deadline", ctx.Err())
	}
}
