// Package quota enforces per-user daily byte and upload ceilings.
//
// The accountant layers three tiers: in-process counters (consistent
// within this process), a short-TTL read cache over the authoritative
// store, and the store itself (ledger quota entities or memory).
// Checks are synchronous; authoritative commits are asynchronous and
// best-effort, with a deadline.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/m00npl/filedb/internal/logger"
	"github.com/m00npl/filedb/pkg/fserr"
)

// Record is one user's usage for one calendar date.
type Record struct {
	UserID       string `json:"user_address"`
	UsedBytes    int64  `json:"used_bytes"`
	UploadsToday int    `json:"uploads_today"`
	Date         string `json:"date"` // YYYY-MM-DD
	LastUpdated  string `json:"last_updated,omitempty"`
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Reason  string
	Record  Record
}

// Backend is the authoritative quota store.
type Backend interface {
	// Load returns the record for (userID, date). A missing record
	// returns a zeroed record, not an error.
	Load(ctx context.Context, userID, date string) (*Record, error)

	// Store persists the record, replacing any previous one for the
	// same (userID, date).
	Store(ctx context.Context, record *Record) error
}

// Config tunes the accountant.
type Config struct {
	MaxBytes         int64
	MaxUploadsPerDay int
	CacheTTL         time.Duration
	CommitTimeout    time.Duration

	// BypassKey skips quota entirely when presented by the caller.
	// Empty disables the bypass.
	BypassKey string
}

// Accountant tracks and enforces usage.
type Accountant struct {
	backend Backend
	cfg     Config

	mu      sync.Mutex
	local   map[string]*Record  // process-local counters, current date only
	cache   map[string]cacheRow // read-through cache over the backend
	commits sync.WaitGroup

	// now is swappable in tests to force date rollovers.
	now func() time.Time
}

type cacheRow struct {
	record    Record
	fetchedAt time.Time
}

// New creates an accountant over the given authoritative backend.
func New(backend Backend, cfg Config) *Accountant {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 30 * time.Second
	}
	return &Accountant{
		backend: backend,
		cfg:     cfg,
		local:   make(map[string]*Record),
		cache:   make(map[string]cacheRow),
		now:     time.Now,
	}
}

func (a *Accountant) today() string {
	return a.now().UTC().Format("2006-01-02")
}

// Bypassed reports whether the presented key matches the configured
// bypass key.
func (a *Accountant) Bypassed(key string) bool {
	return a.cfg.BypassKey != "" && key == a.cfg.BypassKey
}

// currentLocked returns the effective record for userID, merging local
// counters with the cached/loaded authoritative record and applying
// daily rollover. Caller holds a.mu; the backend read happens with the
// lock dropped.
func (a *Accountant) currentLocked(ctx context.Context, userID string) (*Record, error) {
	today := a.today()

	local, ok := a.local[userID]
	if ok && local.Date != today {
		// Date changed: uploads_today resets, and the date-scoped
		// used_bytes counter starts fresh.
		delete(a.local, userID)
		delete(a.cache, userID)
		ok = false
	}
	if ok {
		return local, nil
	}

	// Consult the read cache before the slow source of truth.
	if row, hit := a.cache[userID]; hit &&
		row.record.Date == today &&
		a.now().Sub(row.fetchedAt) < a.cfg.CacheTTL {
		record := row.record
		a.local[userID] = &record
		return &record, nil
	}

	a.mu.Unlock()
	loaded, err := a.backend.Load(ctx, userID, today)
	a.mu.Lock()
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		loaded = &Record{UserID: userID, Date: today}
	}

	// Another goroutine may have populated local while the lock was
	// dropped; its counters are at least as fresh.
	if existing, ok := a.local[userID]; ok && existing.Date == today {
		return existing, nil
	}

	a.cache[userID] = cacheRow{record: *loaded, fetchedAt: a.now()}
	record := *loaded
	a.local[userID] = &record
	return &record, nil
}

// Check decides whether an upload of the given size is admissible.
// The record is not mutated: reservation happens at Commit.
func (a *Accountant) Check(ctx context.Context, userID string, bytes int64) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.currentLocked(ctx, userID)
	if err != nil {
		return Decision{}, fserr.Wrap(fserr.CodeInternal, "quota lookup failed", err)
	}

	d := Decision{Record: *record}
	switch {
	case record.UploadsToday >= a.cfg.MaxUploadsPerDay:
		d.Reason = fmt.Sprintf("daily upload limit reached (%d)", a.cfg.MaxUploadsPerDay)
	case record.UsedBytes+bytes > a.cfg.MaxBytes:
		d.Reason = fmt.Sprintf("byte quota exceeded (%d of %d used)", record.UsedBytes, a.cfg.MaxBytes)
	default:
		d.Allowed = true
	}
	return d, nil
}

// Commit records accepted usage. The in-process counter and cache are
// updated synchronously; the authoritative write is scheduled in the
// background with a deadline and its failure is logged, not surfaced.
func (a *Accountant) Commit(ctx context.Context, userID string, bytes int64) {
	a.mu.Lock()
	record, err := a.currentLocked(ctx, userID)
	if err != nil {
		// Local bookkeeping proceeds from a zero record; the backend
		// read can be retried on the next Check.
		record = &Record{UserID: userID, Date: a.today()}
		a.local[userID] = record
	}
	record.UsedBytes += bytes
	record.UploadsToday++
	record.LastUpdated = a.now().UTC().Format(time.RFC3339)
	snapshot := *record
	a.cache[userID] = cacheRow{record: snapshot, fetchedAt: a.now()}
	a.mu.Unlock()

	a.commits.Add(1)
	go func() {
		defer a.commits.Done()
		commitCtx, cancel := context.WithTimeout(context.Background(), a.cfg.CommitTimeout)
		defer cancel()
		if err := a.backend.Store(commitCtx, &snapshot); err != nil {
			logger.Warn("quota commit to authoritative store failed",
				"user_id", userID,
				"date", snapshot.Date,
				"error", err)
		}
	}()
}

// Usage returns the current record plus the configured ceilings, for
// the /quota endpoint.
func (a *Accountant) Usage(ctx context.Context, userID string) (Record, int64, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	record, err := a.currentLocked(ctx, userID)
	if err != nil {
		return Record{}, 0, 0, fserr.Wrap(fserr.CodeInternal, "quota lookup failed", err)
	}
	return *record, a.cfg.MaxBytes, a.cfg.MaxUploadsPerDay, nil
}

// Flush waits for outstanding background commits. Used by shutdown
// and tests.
func (a *Accountant) Flush() {
	a.commits.Wait()
}

// MemoryBackend is the single-process authoritative store.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Record // userID|date -> record
}

// NewMemoryBackend creates an empty in-memory quota store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Record)}
}

func memKey(userID, date string) string {
	return userID + "|" + date
}

// Load implements Backend.
func (b *MemoryBackend) Load(ctx context.Context, userID, date string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.records[memKey(userID, date)]; ok {
		record := r
		return &record, nil
	}
	return &Record{UserID: userID, Date: date}, nil
}

// Store implements Backend.
func (b *MemoryBackend) Store(ctx context.Context, record *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[memKey(record.UserID, record.Date)] = *record
	return nil
}
