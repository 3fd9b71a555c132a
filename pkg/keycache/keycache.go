// Package keycache caches the ledger entity keys for each stored
// file, letting retrieval fetch chunks directly by key instead of
// scanning the owner's entities.
//
// The cache is a write-through observation of successful ledger
// writes, never the source of truth: a miss or timeout sends the
// caller to the ledger's attribute index.
package keycache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/m00npl/filedb/internal/logger"
	"github.com/m00npl/filedb/pkg/fserr"
)

const prefixIndex = "keys:"

// EntityKeyIndex holds the ledger keys for one file.
type EntityKeyIndex struct {
	// MetadataKey is the metadata entity's ledger key. May be empty if
	// only chunks were observed.
	MetadataKey string `json:"metadata_key,omitempty"`

	// ChunkKeys is ordered by chunk_index. Once the session completes,
	// len(ChunkKeys) equals the file's chunk count.
	ChunkKeys []string `json:"chunk_keys"`
}

// TotalEntities counts ledger entities referenced by the index.
func (i *EntityKeyIndex) TotalEntities() int {
	n := len(i.ChunkKeys)
	if i.MetadataKey != "" {
		n++
	}
	return n
}

// Cache stores entity-key indexes with a TTL.
type Cache struct {
	db            *badger.DB // nil disables the persistent layer
	ttl           time.Duration
	lookupTimeout time.Duration

	mu  sync.RWMutex
	mem map[string]memEntry
}

type memEntry struct {
	index   EntityKeyIndex
	expires time.Time
}

// New creates a key cache over the shared badger instance.
func New(db *badger.DB, ttl, lookupTimeout time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if lookupTimeout <= 0 {
		lookupTimeout = 5 * time.Second
	}
	return &Cache{
		db:            db,
		ttl:           ttl,
		lookupTimeout: lookupTimeout,
		mem:           make(map[string]memEntry),
	}
}

func indexKey(fileID string) []byte {
	return []byte(prefixIndex + fileID)
}

// Put records the entity keys observed from a completed write.
// Best-effort: a cache failure is logged, never surfaced. The memory
// map holds only indexes badger could not take, so it stays bounded
// while the persistent layer is healthy.
func (c *Cache) Put(ctx context.Context, fileID string, index EntityKeyIndex) {
	if c.db != nil {
		data, err := json.Marshal(index)
		if err != nil {
			logger.Error("failed to encode entity-key index", "file_id", fileID, "error", err)
			return
		}
		err = c.db.Update(func(txn *badger.Txn) error {
			entry := badger.NewEntry(indexKey(fileID), data).WithTTL(c.ttl)
			return txn.SetEntry(entry)
		})
		if err == nil {
			c.mu.Lock()
			delete(c.mem, fileID)
			c.mu.Unlock()
			return
		}
		logger.Warn("entity-key cache write failed, keeping memory copy", "file_id", fileID, "error", err)
	}

	c.mu.Lock()
	c.mem[fileID] = memEntry{index: index, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Get returns the cached index for a file, bounded by the lookup
// timeout. NOT_FOUND (or a deadline error) tells the caller to fall
// back to a ledger attribute query; that path has no latency
// guarantee.
func (c *Cache) Get(ctx context.Context, fileID string) (*EntityKeyIndex, error) {
	ctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()

	if c.db != nil {
		type result struct {
			index *EntityKeyIndex
			err   error
		}
		ch := make(chan result, 1)
		go func() {
			var data []byte
			err := c.db.View(func(txn *badger.Txn) error {
				item, err := txn.Get(indexKey(fileID))
				if err != nil {
					return err
				}
				data, err = item.ValueCopy(nil)
				return err
			})
			if err != nil {
				ch <- result{err: err}
				return
			}
			var idx EntityKeyIndex
			if err := json.Unmarshal(data, &idx); err != nil {
				ch <- result{err: err}
				return
			}
			ch <- result{index: &idx}
		}()

		select {
		case r := <-ch:
			if r.err == nil {
				return r.index, nil
			}
			if r.err != badger.ErrKeyNotFound {
				logger.Warn("entity-key cache read failed", "file_id", fileID, "error", r.err)
			}
			// Fall through to memory.
		case <-ctx.Done():
			return nil, fserr.Wrap(fserr.CodeTimeout, "entity-key cache lookup timed out", ctx.Err())
		}
	}

	c.mu.Lock()
	entry, ok := c.mem[fileID]
	if ok && time.Now().After(entry.expires) {
		delete(c.mem, fileID)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil, fserr.Newf(fserr.CodeNotFound, "no cached keys for file %q", fileID)
	}
	index := entry.index
	return &index, nil
}

// Delete drops a file's index from both layers.
func (c *Cache) Delete(ctx context.Context, fileID string) {
	c.mu.Lock()
	delete(c.mem, fileID)
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(indexKey(fileID))
	})
	if err != nil {
		logger.Warn("entity-key cache delete failed", "file_id", fileID, "error", err)
	}
}
