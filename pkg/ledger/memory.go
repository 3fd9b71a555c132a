package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is the shared state behind in-memory client handles.
//
// All handles created from one backend observe the same entities, the
// way pooled RPC handles observe the same chain. Block height advances
// with wall time at a fixed simulated block duration.
type MemoryBackend struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	order    []string // insertion order, for stable query results

	startBlock    uint64
	startTime     time.Time
	blockDuration time.Duration

	// failures, when non-nil, is consulted before every write so tests
	// can inject transient outages.
	failures func(op string) error
}

// NewMemoryBackend creates an empty in-memory ledger.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entities:      make(map[string]*Entity),
		startBlock:    1,
		startTime:     time.Now(),
		blockDuration: 30 * time.Second, // 2880 blocks/day
	}
}

// SetFailureHook installs a hook consulted before every write. Tests
// use it to inject transient ledger outages.
func (b *MemoryBackend) SetFailureHook(hook func(op string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = hook
}

// AdvanceBlocks moves simulated time forward by n blocks.
func (b *MemoryBackend) AdvanceBlocks(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startBlock += n
}

func (b *MemoryBackend) currentBlock() uint64 {
	elapsed := time.Since(b.startTime)
	return b.startBlock + uint64(elapsed/b.blockDuration)
}

// Len returns the number of live entities.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	now := b.currentBlock()
	n := 0
	for _, e := range b.entities {
		if e.ExpirationBlock > now {
			n++
		}
	}
	return n
}

// NewClient creates a handle backed by this ledger state.
func (b *MemoryBackend) NewClient(credentialed bool) Client {
	return &memoryClient{backend: b, credentialed: credentialed}
}

// Factory returns a pool-compatible factory over this backend.
func (b *MemoryBackend) Factory() Factory {
	return func(ctx context.Context, credentialed bool) (Client, error) {
		return b.NewClient(credentialed), nil
	}
}

// memoryClient is one handle over a MemoryBackend.
type memoryClient struct {
	backend      *MemoryBackend
	credentialed bool
	closed       bool
	mu           sync.Mutex
}

func mintKey() string {
	var raw [32]byte
	_, _ = rand.Read(raw[:])
	return "0x" + hex.EncodeToString(raw[:])
}

func cloneEntity(e *Entity) *Entity {
	out := &Entity{
		Key:             e.Key,
		Payload:         append([]byte(nil), e.Payload...),
		ExpirationBlock: e.ExpirationBlock,
	}
	if e.StringAnnotations != nil {
		out.StringAnnotations = make(map[string]string, len(e.StringAnnotations))
		for k, v := range e.StringAnnotations {
			out.StringAnnotations[k] = v
		}
	}
	if e.NumericAnnotations != nil {
		out.NumericAnnotations = make(map[string]int64, len(e.NumericAnnotations))
		for k, v := range e.NumericAnnotations {
			out.NumericAnnotations[k] = v
		}
	}
	return out
}

func (c *memoryClient) Create(ctx context.Context, entity Entity) (string, error) {
	keys, err := c.CreateBatch(ctx, []Entity{entity})
	if err != nil {
		return "", err
	}
	return keys[0], nil
}

func (c *memoryClient) CreateBatch(ctx context.Context, entities []Entity) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.credentialed {
		return nil, ErrNoCredential
	}

	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures != nil {
		if err := b.failures("create"); err != nil {
			return nil, err
		}
	}

	// All-or-nothing: validate before inserting anything.
	now := b.currentBlock()
	for i := range entities {
		if entities[i].ExpirationBlock <= now {
			return nil, ErrUnavailable
		}
	}

	keys := make([]string, len(entities))
	for i := range entities {
		stored := cloneEntity(&entities[i])
		stored.Key = mintKey()
		b.entities[stored.Key] = stored
		b.order = append(b.order, stored.Key)
		keys[i] = stored.Key
	}
	return keys, nil
}

func (c *memoryClient) GetByKey(ctx context.Context, key string) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := c.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entities[key]
	if !ok || e.ExpirationBlock <= b.currentBlock() {
		return nil, ErrKeyNotFound
	}
	return cloneEntity(e), nil
}

func matches(e *Entity, q Query) bool {
	for k, v := range q.Strings {
		if e.StringAnnotations[k] != v {
			return false
		}
	}
	for k, v := range q.Numerics {
		if e.NumericAnnotations[k] != v {
			return false
		}
	}
	return true
}

func (c *memoryClient) Query(ctx context.Context, q Query) ([]*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := c.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.currentBlock()
	var all []*Entity
	for _, key := range b.order {
		e, ok := b.entities[key]
		if !ok || e.ExpirationBlock <= now {
			continue
		}
		if matches(e, q) {
			all = append(all, cloneEntity(e))
		}
	}

	// Stable key order keeps pagination consistent across pages.
	sort.SliceStable(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	if q.Offset >= len(all) {
		return nil, nil
	}
	all = all[q.Offset:]
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return all, nil
}

func (c *memoryClient) CurrentBlock(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b := c.backend
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentBlock(), nil
}

func (c *memoryClient) BlockDurationSeconds(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.backend.blockDuration.Seconds(), nil
}

func (c *memoryClient) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (c *memoryClient) CanWrite() bool {
	return c.credentialed
}

func (c *memoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
