// Package pool maintains bounded pools of ledger client handles.
//
// Two pools exist: a write pool of credentialed handles and a read
// pool of read-only ones. Acquisition blocks on a FIFO waiter queue
// when the pool is at capacity; a background health loop evicts
// handles that have sat idle too long. Handles are not pinned to a
// connection: evicted ones are simply closed and new ones created on
// demand up to the maximum.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/m00npl/filedb/internal/logger"
	"github.com/m00npl/filedb/pkg/fserr"
	"github.com/m00npl/filedb/pkg/ledger"
)

// Kind selects which pool an acquisition draws from.
type Kind int

const (
	Read Kind = iota
	Write
)

func (k Kind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

// Config tunes both pools.
type Config struct {
	ReadMax        int
	WriteMax       int
	IdleTimeout    time.Duration
	HealthInterval time.Duration
	ConnectTimeout time.Duration

	// BlocksPerDay is the fallback btl conversion when the timing
	// probe fails at startup.
	BlocksPerDay int
}

// idleHandle is a pooled handle with its last-release timestamp.
type idleHandle struct {
	client   ledger.Client
	idleFrom time.Time
}

// waiter is one blocked acquirer. The pool hands a handle (or an
// error) through ch; FIFO order comes from the list.
type waiter struct {
	ch chan ledger.Client
}

// subpool is one bounded pool of handles.
type subpool struct {
	kind    Kind
	max     int
	factory ledger.Factory

	mu      sync.Mutex
	idle    []idleHandle
	inUse   int
	waiters *list.List
}

// Pool owns the read and write subpools plus cached block timing.
type Pool struct {
	read  *subpool
	write *subpool
	cfg   Config

	timing timing

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs the pools. No handles are dialed until first use;
// call Start to launch the health loop and the timing probe.
func New(factory ledger.Factory, cfg Config) *Pool {
	if cfg.ReadMax <= 0 {
		cfg.ReadMax = 8
	}
	if cfg.WriteMax <= 0 {
		cfg.WriteMax = 4
	}

	return &Pool{
		read:     &subpool{kind: Read, max: cfg.ReadMax, factory: factory, waiters: list.New()},
		write:    &subpool{kind: Write, max: cfg.WriteMax, factory: factory, waiters: list.New()},
		cfg:      cfg,
		shutdown: make(chan struct{}),
		timing:   timing{blocksPerDay: cfg.BlocksPerDay},
	}
}

// Start launches the health loop and refreshes cached block timing.
func (p *Pool) Start(ctx context.Context) {
	p.refreshTiming(ctx)

	interval := p.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.shutdown:
				return
			case <-ticker.C:
				p.read.evictIdle(p.cfg.IdleTimeout)
				p.write.evictIdle(p.cfg.IdleTimeout)
			}
		}
	}()
}

// Acquire returns a handle from the requested pool, blocking FIFO when
// the pool is at capacity. Returns TIMEOUT if the context deadline
// fires while waiting and SHUTTING_DOWN after Close.
func (p *Pool) Acquire(ctx context.Context, kind Kind) (ledger.Client, error) {
	select {
	case <-p.shutdown:
		return nil, fserr.New(fserr.CodeShuttingDown, "ledger pool is shutting down")
	default:
	}

	sp := p.subpoolFor(kind)

	sp.mu.Lock()
	// Fast path: reuse an idle handle, newest first.
	if n := len(sp.idle); n > 0 {
		h := sp.idle[n-1]
		sp.idle = sp.idle[:n-1]
		sp.inUse++
		sp.mu.Unlock()
		return h.client, nil
	}

	// Room to grow: create a fresh handle.
	if sp.inUse+len(sp.idle) < sp.max {
		sp.inUse++
		sp.mu.Unlock()

		connectCtx := ctx
		if p.cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
			defer cancel()
		}
		client, err := sp.factory(connectCtx, kind == Write)
		if err != nil {
			sp.mu.Lock()
			sp.inUse--
			sp.wakeOne()
			sp.mu.Unlock()
			return nil, fserr.Wrap(fserr.CodeConnection, "failed to create ledger handle", err)
		}
		return client, nil
	}

	// At capacity: join the FIFO waiter queue.
	w := &waiter{ch: make(chan ledger.Client, 1)}
	elem := sp.waiters.PushBack(w)
	sp.mu.Unlock()

	select {
	case client, ok := <-w.ch:
		if !ok {
			// Woken without a handle: either shutdown or a failed
			// growth attempt freed capacity. Re-enter Acquire, which
			// re-checks the shutdown flag first.
			return p.Acquire(ctx, kind)
		}
		return client, nil
	case <-ctx.Done():
		sp.mu.Lock()
		// The handoff may have raced the deadline; prefer the handle.
		select {
		case client, ok := <-w.ch:
			sp.mu.Unlock()
			if ok {
				return client, nil
			}
			return nil, fserr.New(fserr.CodeShuttingDown, "ledger pool is shutting down")
		default:
		}
		sp.waiters.Remove(elem)
		sp.mu.Unlock()
		return nil, fserr.Wrap(fserr.CodeTimeout, "timed out waiting for a "+kind.String()+" handle", ctx.Err())
	case <-p.shutdown:
		return nil, fserr.New(fserr.CodeShuttingDown, "ledger pool is shutting down")
	}
}

// Release returns a handle to its pool, waking the oldest waiter.
// After shutdown the handle is closed instead of pooled.
func (p *Pool) Release(kind Kind, client ledger.Client) {
	sp := p.subpoolFor(kind)

	select {
	case <-p.shutdown:
		sp.mu.Lock()
		sp.inUse--
		sp.mu.Unlock()
		_ = client.Close()
		return
	default:
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	// Hand off directly to the oldest waiter if any.
	if elem := sp.waiters.Front(); elem != nil {
		sp.waiters.Remove(elem)
		elem.Value.(*waiter).ch <- client
		return
	}

	sp.inUse--
	sp.idle = append(sp.idle, idleHandle{client: client, idleFrom: time.Now()})
}

// WithRead acquires a read handle, runs op under the single-call retry
// policy, and releases the handle on every exit path.
func (p *Pool) WithRead(ctx context.Context, name string, op func(ctx context.Context, c ledger.Client) error) error {
	return p.with(ctx, Read, SingleCallPolicy, name, op)
}

// WithWrite is WithRead over the write pool.
func (p *Pool) WithWrite(ctx context.Context, name string, op func(ctx context.Context, c ledger.Client) error) error {
	return p.with(ctx, Write, SingleCallPolicy, name, op)
}

// WithWriteBatch runs op on a write handle under the batch retry
// policy.
func (p *Pool) WithWriteBatch(ctx context.Context, name string, op func(ctx context.Context, c ledger.Client) error) error {
	return p.with(ctx, Write, BatchCallPolicy, name, op)
}

func (p *Pool) with(ctx context.Context, kind Kind, policy Policy, name string, op func(ctx context.Context, c ledger.Client) error) error {
	client, err := p.Acquire(ctx, kind)
	if err != nil {
		return err
	}
	defer p.Release(kind, client)

	return Do(ctx, policy, name, func(ctx context.Context) error {
		return op(ctx, client)
	})
}

// Stats reports instantaneous occupancy for one pool.
func (p *Pool) Stats(kind Kind) (inUse, idle, waiting int) {
	sp := p.subpoolFor(kind)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.inUse, len(sp.idle), sp.waiters.Len()
}

// Close stops the health loop, drains waiters with a shutdown
// sentinel, and closes idle handles. In-flight handles are closed by
// their callers via Release after the flag is set.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.shutdown)
		p.wg.Wait()
		p.read.drain()
		p.write.drain()
	})
}

func (p *Pool) subpoolFor(kind Kind) *subpool {
	if kind == Write {
		return p.write
	}
	return p.read
}

// wakeOne unblocks the oldest waiter after a failed creation so it can
// retry growth itself. Caller holds sp.mu.
func (sp *subpool) wakeOne() {
	if elem := sp.waiters.Front(); elem != nil {
		sp.waiters.Remove(elem)
		close(elem.Value.(*waiter).ch)
	}
}

// evictIdle closes handles idle longer than the timeout.
func (sp *subpool) evictIdle(timeout time.Duration) {
	if timeout <= 0 {
		return
	}

	sp.mu.Lock()
	var keep []idleHandle
	var evict []ledger.Client
	for _, h := range sp.idle {
		if time.Since(h.idleFrom) > timeout {
			evict = append(evict, h.client)
		} else {
			keep = append(keep, h)
		}
	}
	sp.idle = keep
	sp.mu.Unlock()

	for _, c := range evict {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close evicted ledger handle", "pool", sp.kind.String(), "error", err)
		}
	}
	if len(evict) > 0 {
		logger.Debug("evicted idle ledger handles", "pool", sp.kind.String(), "count", len(evict))
	}
}

// drain closes remaining waiters and idle handles during shutdown.
func (sp *subpool) drain() {
	sp.mu.Lock()
	for elem := sp.waiters.Front(); elem != nil; elem = elem.Next() {
		close(elem.Value.(*waiter).ch)
	}
	sp.waiters.Init()
	idle := sp.idle
	sp.idle = nil
	sp.mu.Unlock()

	for _, h := range idle {
		_ = h.client.Close()
	}
}
