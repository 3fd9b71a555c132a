package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/m00npl/filedb/internal/logger"
	"github.com/m00npl/filedb/pkg/fserr"
)

// Key namespaces. Session records and the file-id secondary index use
// distinct prefixes so the two can never collide.
const (
	prefixSession = "sess:"
	prefixFileID  = "sfid:"
)

// errLogInterval throttles cache-failure logging.
const errLogInterval = time.Minute

// Store persists upload sessions with a TTL.
//
// Badger is authoritative. The in-memory mirror holds only sessions
// whose badger write failed (or everything, when no badger instance is
// configured); its entries carry the same TTL and are pruned on read,
// so an expired idempotency key can never replay a stale file id.
type Store struct {
	db  *badger.DB // nil disables the persistent layer
	ttl time.Duration

	mu        sync.RWMutex
	mem       map[string]memSession // idempotency key -> record
	memByFile map[string]string     // file_id -> idempotency key

	lastErrLog atomic.Int64 // unix nanos of last cache-failure log

	// onFallback is invoked on every cache failure, unthrottled. Set
	// once at composition time, before any traffic.
	onFallback func()
}

// memSession is one mirror entry with its expiry.
type memSession struct {
	stored  storedSession
	expires time.Time
}

// storedSession is the serialized shape: the received set becomes a
// sorted array, times are RFC 3339 via encoding/json.
type storedSession struct {
	UploadSession
	ReceivedIndices []int `json:"chunks_received"`
}

// NewStore creates a session store over the shared badger instance.
// A nil db yields a memory-only store.
func NewStore(db *badger.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Store{
		db:        db,
		ttl:       ttl,
		mem:       make(map[string]memSession),
		memByFile: make(map[string]string),
	}
}

func sessionKey(idempotencyKey string) []byte {
	return []byte(prefixSession + idempotencyKey)
}

func fileIDKey(fileID string) []byte {
	return []byte(prefixFileID + fileID)
}

func encodeSession(s *UploadSession) ([]byte, error) {
	return json.Marshal(storedSession{UploadSession: *s, ReceivedIndices: s.receivedIndices()})
}

func decodeSession(data []byte) (*UploadSession, error) {
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	s := stored.UploadSession
	s.ChunksReceived = make(map[int]bool, len(stored.ReceivedIndices))
	for _, idx := range stored.ReceivedIndices {
		s.ChunksReceived[idx] = true
	}
	return &s, nil
}

// OnCacheFallback registers a hook fired on every cache failure.
func (st *Store) OnCacheFallback(fn func()) {
	st.onFallback = fn
}

// logCacheError counts a cache failure and logs it at most once per
// minute.
func (st *Store) logCacheError(op string, err error) {
	if st.onFallback != nil {
		st.onFallback()
	}
	now := time.Now().UnixNano()
	last := st.lastErrLog.Load()
	if now-last < int64(errLogInterval) {
		return
	}
	if st.lastErrLog.CompareAndSwap(last, now) {
		logger.Warn("session cache unavailable, using memory fallback", "op", op, "error", err)
	}
}

// Put persists the session under its idempotency key and refreshes
// the file-id index. Badger is the primary; the memory mirror only
// takes over when the badger write fails, so the TTL stays authoritative
// for everything badger accepted.
func (st *Store) Put(ctx context.Context, s *UploadSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeSession(s)
	if err != nil {
		return fserr.Wrap(fserr.CodeInternal, "failed to encode session", err)
	}

	if st.db != nil {
		err = st.db.Update(func(txn *badger.Txn) error {
			entry := badger.NewEntry(sessionKey(s.IdempotencyKey), data).WithTTL(st.ttl)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
			idx := badger.NewEntry(fileIDKey(s.FileID), []byte(s.IdempotencyKey)).WithTTL(st.ttl)
			return txn.SetEntry(idx)
		})
		if err == nil {
			// Badger holds the record; drop any fallback copy a
			// previous failed write left behind.
			st.mu.Lock()
			delete(st.mem, s.IdempotencyKey)
			delete(st.memByFile, s.FileID)
			st.mu.Unlock()
			return nil
		}
		st.logCacheError("put", err)
	}

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return fserr.Wrap(fserr.CodeInternal, "failed to encode session", err)
	}
	st.mu.Lock()
	st.mem[s.IdempotencyKey] = memSession{stored: stored, expires: time.Now().Add(st.ttl)}
	st.memByFile[s.FileID] = s.IdempotencyKey
	st.mu.Unlock()
	return nil
}

// Get returns the session for an idempotency key: cache first, memory
// next. Returns SESSION_NOT_FOUND when neither layer has it.
func (st *Store) Get(ctx context.Context, idempotencyKey string) (*UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if st.db != nil {
		var data []byte
		err := st.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(sessionKey(idempotencyKey))
			if err != nil {
				return err
			}
			data, err = item.ValueCopy(nil)
			return err
		})
		switch {
		case err == nil:
			return decodeSession(data)
		case err == badger.ErrKeyNotFound:
			// The mirror may still hold the record if its badger write
			// failed; expired mirror entries are pruned below.
		default:
			st.logCacheError("get", err)
		}
	}

	st.mu.Lock()
	entry, ok := st.mem[idempotencyKey]
	if ok && time.Now().After(entry.expires) {
		delete(st.mem, idempotencyKey)
		delete(st.memByFile, entry.stored.FileID)
		ok = false
	}
	st.mu.Unlock()
	if !ok {
		return nil, fserr.Newf(fserr.CodeSessionNotFound, "no session for idempotency key %q", idempotencyKey)
	}

	s := entry.stored.UploadSession
	s.ChunksReceived = make(map[int]bool, len(entry.stored.ReceivedIndices))
	for _, idx := range entry.stored.ReceivedIndices {
		s.ChunksReceived[idx] = true
	}
	return &s, nil
}

// GetByFileID resolves the secondary index and then loads the session.
func (st *Store) GetByFileID(ctx context.Context, fileID string) (*UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if st.db != nil {
		var key string
		err := st.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(fileIDKey(fileID))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				key = string(val)
				return nil
			})
		})
		switch {
		case err == nil:
			return st.Get(ctx, key)
		case err == badger.ErrKeyNotFound:
		default:
			st.logCacheError("get_by_file_id", err)
		}
	}

	st.mu.RLock()
	key, ok := st.memByFile[fileID]
	st.mu.RUnlock()
	if !ok {
		return nil, fserr.Newf(fserr.CodeSessionNotFound, "no session for file %q", fileID)
	}
	return st.Get(ctx, key)
}

// ExtendTTL rewrites the record with a fresh TTL.
func (st *Store) ExtendTTL(ctx context.Context, idempotencyKey string) error {
	s, err := st.Get(ctx, idempotencyKey)
	if err != nil {
		return err
	}
	return st.Put(ctx, s)
}

// Delete removes the session and its file-id index entry.
func (st *Store) Delete(ctx context.Context, idempotencyKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st.mu.Lock()
	if entry, ok := st.mem[idempotencyKey]; ok {
		delete(st.memByFile, entry.stored.FileID)
		delete(st.mem, idempotencyKey)
	}
	st.mu.Unlock()

	if st.db == nil {
		return nil
	}

	err := st.db.Update(func(txn *badger.Txn) error {
		var fileID string
		if item, err := txn.Get(sessionKey(idempotencyKey)); err == nil {
			_ = item.Value(func(val []byte) error {
				if s, err := decodeSession(val); err == nil {
					fileID = s.FileID
				}
				return nil
			})
		}
		if err := txn.Delete(sessionKey(idempotencyKey)); err != nil {
			return err
		}
		if fileID != "" {
			return txn.Delete(fileIDKey(fileID))
		}
		return nil
	})
	if err != nil {
		st.logCacheError("delete", err)
	}
	return nil
}

// Recover scans persisted sessions via prefix iteration (not one
// blocking enumeration) and returns those still marked UPLOADING so
// the caller can fail or resume orphans after a restart.
func (st *Store) Recover(ctx context.Context) ([]*UploadSession, error) {
	if st.db == nil {
		return nil, nil
	}

	var orphans []*UploadSession
	err := st.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSession)
		it := txn.NewIterator(opts)
		defer it.Close()

		scanned := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if scanned%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			scanned++

			err := it.Item().Value(func(val []byte) error {
				s, err := decodeSession(val)
				if err != nil {
					return nil // skip undecodable records
				}
				if s.Status == StatusUploading {
					orphans = append(orphans, s)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session recovery scan failed: %w", err)
	}
	return orphans, nil
}
