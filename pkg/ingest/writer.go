package ingest

import (
	"context"
	"time"

	"github.com/m00npl/filedb/internal/logger"
	"github.com/m00npl/filedb/pkg/chunker"
	"github.com/m00npl/filedb/pkg/keycache"
	"github.com/m00npl/filedb/pkg/ledger"
	"github.com/m00npl/filedb/pkg/metrics"
	"github.com/m00npl/filedb/pkg/session"
)

// runWriter pushes one session's entities to the ledger. It is the
// session's single writer: no other goroutine mutates sess after
// launch. The writer is detached from the originating request; its
// deadlines are per ledger call, not per request.
func (p *Pipeline) runWriter(meta *chunker.FileMetadata, chunks []chunker.Chunk, sess *session.UploadSession) {
	ctx := context.Background()
	start := time.Now()

	err := p.writeBatches(ctx, meta, chunks, sess)
	if err != nil {
		p.metrics.FallbackActivations.Inc()
		logger.Warn("batch writes exhausted, falling back to individual writes",
			"file_id", meta.FileID,
			"chunks_remaining", len(remaining(chunks)),
			"error", err)
		err = p.writeIndividually(ctx, meta, chunks, sess)
	}

	if err != nil {
		sess.Status = session.StatusFailed
		sess.Error = err.Error()
		p.persistSession(ctx, sess)
		p.metrics.UploadsFailed.Inc()
		logger.Error("upload failed",
			"file_id", meta.FileID,
			"chunks_uploaded", sess.ChunksUploadedToLedger,
			"total_chunks", sess.TotalChunks,
			"error", err)
		return
	}

	index := keycache.EntityKeyIndex{
		MetadataKey: meta.LedgerKey,
		ChunkKeys:   make([]string, len(chunks)),
	}
	for i := range chunks {
		index.ChunkKeys[i] = chunks[i].LedgerKey
	}
	p.keys.Put(ctx, meta.FileID, index)

	sess.Status = session.StatusCompleted
	sess.Completed = true
	p.persistSession(ctx, sess)

	p.metrics.UploadsCompleted.Inc()
	p.metrics.UploadDuration.Observe(time.Since(start).Seconds())
	logger.Info("upload completed",
		"file_id", meta.FileID,
		"chunks", len(chunks),
		"duration_seconds", time.Since(start).Seconds())
}

// writeBatches pushes chunks in BatchSize groups of ascending index.
// The first batch carries the metadata entity. A batch that exhausts
// its retry budget aborts the loop; already-written groups keep their
// keys so the fallback only covers the remainder.
func (p *Pipeline) writeBatches(ctx context.Context, meta *chunker.FileMetadata, chunks []chunker.Chunk, sess *session.UploadSession) error {
	for offset := 0; offset < len(chunks); offset += p.cfg.BatchSize {
		end := offset + p.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		group := chunks[offset:end]

		entities := make([]ledger.Entity, 0, len(group)+1)
		if offset == 0 {
			metaEntity, err := ledger.MetadataEntity(meta)
			if err != nil {
				return err
			}
			entities = append(entities, metaEntity)
		}
		for i := range group {
			entities = append(entities, ledger.ChunkEntity(&group[i]))
		}

		var keys []string
		err := p.pool.WithWriteBatch(ctx, "create_batch", func(ctx context.Context, c ledger.Client) error {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
			defer cancel()
			var err error
			keys, err = c.CreateBatch(callCtx, entities)
			return err
		})
		if err != nil {
			return err
		}

		// Keys come back in input order: metadata first when present.
		if offset == 0 {
			meta.LedgerKey = keys[0]
			keys = keys[1:]
		}
		indices := make([]int, len(group))
		for i := range group {
			group[i].LedgerKey = keys[i]
			indices[i] = group[i].ChunkIndex
		}

		sess.MarkChunks(indices)
		p.persistSession(ctx, sess)
		p.metrics.ChunksWritten.WithLabelValues(metrics.ModeBatch).Add(float64(len(group)))

		logger.Debug("batch written",
			"file_id", meta.FileID,
			"batch_start", offset,
			"batch_size", len(group))
	}
	return nil
}

// writeIndividually is the fallback state: every entity not yet
// holding a ledger key is written on its own, metadata first.
func (p *Pipeline) writeIndividually(ctx context.Context, meta *chunker.FileMetadata, chunks []chunker.Chunk, sess *session.UploadSession) error {
	if meta.LedgerKey == "" {
		metaEntity, err := ledger.MetadataEntity(meta)
		if err != nil {
			return err
		}
		key, err := p.createOne(ctx, "create_metadata", metaEntity)
		if err != nil {
			return err
		}
		meta.LedgerKey = key
	}

	for i := range chunks {
		if chunks[i].LedgerKey != "" {
			continue
		}
		key, err := p.createOne(ctx, "create_chunk", ledger.ChunkEntity(&chunks[i]))
		if err != nil {
			return err
		}
		chunks[i].LedgerKey = key

		sess.MarkChunks([]int{chunks[i].ChunkIndex})
		p.persistSession(ctx, sess)
		p.metrics.ChunksWritten.WithLabelValues(metrics.ModeIndividual).Inc()
	}
	return nil
}

func (p *Pipeline) createOne(ctx context.Context, name string, entity ledger.Entity) (string, error) {
	var key string
	err := p.pool.WithWrite(ctx, name, func(ctx context.Context, c ledger.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
		var err error
		key, err = c.Create(callCtx, entity)
		return err
	})
	return key, err
}

// persistSession writes progress best-effort. The store already
// degrades to its memory mirror; a hard failure only costs visibility.
func (p *Pipeline) persistSession(ctx context.Context, sess *session.UploadSession) {
	if err := p.sessions.Put(ctx, sess); err != nil {
		logger.Warn("failed to persist session progress",
			"file_id", sess.FileID,
			"error", err)
	}
}

func remaining(chunks []chunker.Chunk) []int {
	var out []int
	for i := range chunks {
		if chunks[i].LedgerKey == "" {
			out = append(out, chunks[i].ChunkIndex)
		}
	}
	return out
}
