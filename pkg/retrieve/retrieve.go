// Package retrieve reassembles stored files from their ledger
// entities.
//
// Two paths exist. The fast path resolves the entity-key index from
// the cache and fetches chunks in parallel by key. The slow path
// queries the ledger's attribute index and drains its pagination. Both
// converge on the chunker for reassembly and checksum verification.
package retrieve

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m00npl/filedb/internal/logger"
	"github.com/m00npl/filedb/pkg/chunker"
	"github.com/m00npl/filedb/pkg/fserr"
	"github.com/m00npl/filedb/pkg/keycache"
	"github.com/m00npl/filedb/pkg/ledger"
	"github.com/m00npl/filedb/pkg/ledger/pool"
	"github.com/m00npl/filedb/pkg/metrics"
)

// pageSize is the ledger query page drained per round trip.
const pageSize = 100

// File is a fully reassembled, integrity-verified payload.
type File struct {
	Metadata *chunker.FileMetadata
	Bytes    []byte
}

// Service resolves files from the ledger.
type Service struct {
	pool    *pool.Pool
	chunker *chunker.Chunker
	keys    *keycache.Cache
	metrics *metrics.Metrics
}

// New wires the retrieval service.
func New(p *pool.Pool, c *chunker.Chunker, keys *keycache.Cache, m *metrics.Metrics) *Service {
	return &Service{pool: p, chunker: c, keys: keys, metrics: m}
}

// GetFile fetches, reassembles, and verifies one file.
//
// A missing metadata entity is NOT_FOUND. A chunk set shorter than
// chunk_count is FILE_INCOMPLETE (the writer may still be running;
// clients may retry). A checksum mismatch is INTEGRITY_FAILED and
// terminal.
func (s *Service) GetFile(ctx context.Context, fileID string) (*File, error) {
	start := time.Now()

	meta, chunks, err := s.fetch(ctx, fileID)
	if err != nil {
		return nil, err
	}

	payload, err := s.chunker.Reassemble(meta, chunks)
	if err != nil {
		return nil, err
	}

	s.metrics.RetrievalDuration.Observe(time.Since(start).Seconds())
	return &File{Metadata: meta, Bytes: payload}, nil
}

// GetMetadata fetches only the file descriptor.
func (s *Service) GetMetadata(ctx context.Context, fileID string) (*chunker.FileMetadata, error) {
	if index, err := s.keys.Get(ctx, fileID); err == nil && index.MetadataKey != "" {
		meta, err := s.metadataByKey(ctx, index.MetadataKey)
		if err == nil {
			return meta, nil
		}
		logger.Debug("cached metadata key stale, querying by attribute", "file_id", fileID, "error", err)
	}
	return s.metadataByQuery(ctx, fileID)
}

// GetEntityKeys returns the ledger keys backing a file. Served from
// the cache when possible; rebuilt from an attribute query (and cached
// back) otherwise.
func (s *Service) GetEntityKeys(ctx context.Context, fileID string) (*keycache.EntityKeyIndex, error) {
	if index, err := s.keys.Get(ctx, fileID); err == nil {
		return index, nil
	}

	meta, err := s.metadataByQuery(ctx, fileID)
	if err != nil {
		return nil, err
	}

	entities, err := s.drainQuery(ctx, ledger.Query{
		Strings: map[string]string{
			ledger.AnnType:   ledger.TypeChunk,
			ledger.AnnFileID: fileID,
		},
	})
	if err != nil {
		return nil, err
	}

	chunks := make([]*chunker.Chunk, 0, len(entities))
	for _, e := range entities {
		chunk, err := ledger.ChunkFromEntity(e)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })

	index := keycache.EntityKeyIndex{MetadataKey: meta.LedgerKey}
	for _, c := range chunks {
		index.ChunkKeys = append(index.ChunkKeys, c.LedgerKey)
	}
	s.keys.Put(ctx, fileID, index)
	return &index, nil
}

// fetch resolves metadata plus the full chunk set, preferring the
// cached key index.
func (s *Service) fetch(ctx context.Context, fileID string) (*chunker.FileMetadata, []chunker.Chunk, error) {
	if index, err := s.keys.Get(ctx, fileID); err == nil {
		meta, chunks, err := s.fetchByKeys(ctx, index)
		if err == nil {
			return meta, chunks, nil
		}
		// A stale index (expired entities, partial writes) must not
		// poison retrieval: drop it and take the slow path.
		logger.Warn("entity-key index unusable, falling back to attribute query",
			"file_id", fileID, "error", err)
		s.keys.Delete(ctx, fileID)
	}

	meta, err := s.metadataByQuery(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := s.chunksByQuery(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	return meta, chunks, nil
}

// fetchByKeys is the fast path: direct reads, chunks in parallel. Each
// read holds its own pooled handle, so parallelism is bounded by the
// read pool.
func (s *Service) fetchByKeys(ctx context.Context, index *keycache.EntityKeyIndex) (*chunker.FileMetadata, []chunker.Chunk, error) {
	if index.MetadataKey == "" {
		return nil, nil, fserr.New(fserr.CodeNotFound, "index has no metadata key")
	}
	meta, err := s.metadataByKey(ctx, index.MetadataKey)
	if err != nil {
		return nil, nil, err
	}

	chunks := make([]chunker.Chunk, len(index.ChunkKeys))
	errs := make([]error, len(index.ChunkKeys))
	var wg sync.WaitGroup
	for i, key := range index.ChunkKeys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			errs[i] = s.pool.WithRead(ctx, "get_chunk", func(ctx context.Context, c ledger.Client) error {
				entity, err := c.GetByKey(ctx, key)
				if err != nil {
					return err
				}
				chunk, err := ledger.ChunkFromEntity(entity)
				if err != nil {
					return err
				}
				chunks[i] = *chunk
				return nil
			})
		}(i, key)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}
	return meta, chunks, nil
}

func (s *Service) metadataByKey(ctx context.Context, key string) (*chunker.FileMetadata, error) {
	var meta *chunker.FileMetadata
	err := s.pool.WithRead(ctx, "get_metadata", func(ctx context.Context, c ledger.Client) error {
		entity, err := c.GetByKey(ctx, key)
		if err != nil {
			return err
		}
		meta, err = ledger.MetadataFromEntity(entity)
		return err
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Service) metadataByQuery(ctx context.Context, fileID string) (*chunker.FileMetadata, error) {
	var entities []*ledger.Entity
	err := s.pool.WithRead(ctx, "query_metadata", func(ctx context.Context, c ledger.Client) error {
		var err error
		entities, err = c.Query(ctx, ledger.Query{
			Strings: map[string]string{
				ledger.AnnType:   ledger.TypeMetadata,
				ledger.AnnFileID: fileID,
			},
			Limit: 1,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fserr.Newf(fserr.CodeNotFound, "file %q not found", fileID)
	}
	return ledger.MetadataFromEntity(entities[0])
}

func (s *Service) chunksByQuery(ctx context.Context, fileID string) ([]chunker.Chunk, error) {
	entities, err := s.drainQuery(ctx, ledger.Query{
		Strings: map[string]string{
			ledger.AnnType:   ledger.TypeChunk,
			ledger.AnnFileID: fileID,
		},
	})
	if err != nil {
		return nil, err
	}

	chunks := make([]chunker.Chunk, 0, len(entities))
	for _, e := range entities {
		chunk, err := ledger.ChunkFromEntity(e)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *chunk)
	}
	return chunks, nil
}

// drainQuery pulls every page of a ledger query. A short page ends the
// drain.
func (s *Service) drainQuery(ctx context.Context, q ledger.Query) ([]*ledger.Entity, error) {
	var all []*ledger.Entity
	q.Limit = pageSize
	for offset := 0; ; offset += pageSize {
		q.Offset = offset

		var page []*ledger.Entity
		err := s.pool.WithRead(ctx, "query_entities", func(ctx context.Context, c ledger.Client) error {
			var err error
			page, err = c.Query(ctx, q)
			return err
		})
		if err != nil {
			return nil, err
		}

		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}
