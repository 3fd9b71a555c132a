package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m00npl/filedb/pkg/fserr"
	"github.com/m00npl/filedb/pkg/ledger"
)

func newTestPool(t *testing.T, readMax, writeMax int) (*Pool, *ledger.MemoryBackend) {
	t.Helper()
	backend := ledger.NewMemoryBackend()
	p := New(backend.Factory(), Config{
		ReadMax:      readMax,
		WriteMax:     writeMax,
		IdleTimeout:  time.Minute,
		BlocksPerDay: 2880,
	})
	t.Cleanup(p.Close)
	return p, backend
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p, _ := newTestPool(t, 2, 1)
	ctx := context.Background()

	c, err := p.Acquire(ctx, Read)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if c.CanWrite() {
		t.Error("read pool handed out a credentialed handle")
	}

	inUse, idle, waiting := p.Stats(Read)
	if inUse != 1 || idle != 0 || waiting != 0 {
		t.Errorf("Stats() = (%d,%d,%d), want (1,0,0)", inUse, idle, waiting)
	}

	p.Release(Read, c)
	inUse, idle, _ = p.Stats(Read)
	if inUse != 0 || idle != 1 {
		t.Errorf("after release Stats() = (%d,%d), want (0,1)", inUse, idle)
	}
}

func TestWritePoolHandlesAreCredentialed(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)

	c, err := p.Acquire(context.Background(), Write)
	if err != nil {
		t.Fatalf("Acquire(Write) error = %v", err)
	}
	defer p.Release(Write, c)

	if !c.CanWrite() {
		t.Error("write pool handle lacks a credential")
	}
}

func TestCapacityInvariant(t *testing.T) {
	p, _ := newTestPool(t, 2, 1)
	ctx := context.Background()

	c1, _ := p.Acquire(ctx, Read)
	c2, _ := p.Acquire(ctx, Read)

	// Third acquisition must block; give it a short deadline.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(shortCtx, Read)
	if fserr.CodeOf(err) != fserr.CodeTimeout {
		t.Errorf("Acquire() at capacity error = %v, want TIMEOUT", err)
	}

	p.Release(Read, c1)
	p.Release(Read, c2)

	inUse, idle, _ := p.Stats(Read)
	if inUse+idle > 2 {
		t.Errorf("pool exceeded max: inUse=%d idle=%d", inUse, idle)
	}
}

func TestWaitersServedFIFO(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)
	ctx := context.Background()

	held, err := p.Acquire(ctx, Read)
	if err != nil {
		t.Fatal(err)
	}

	const waiters = 4
	var order []int
	var orderMu sync.Mutex
	started := make(chan int, waiters)
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Announce queue position before blocking.
			started <- n
			c, err := p.Acquire(ctx, Read)
			if err != nil {
				t.Errorf("waiter %d: %v", n, err)
				return
			}
			orderMu.Lock()
			order = append(order, n)
			orderMu.Unlock()
			time.Sleep(10 * time.Millisecond)
			p.Release(Read, c)
		}(i)
		<-started
		// Let the goroutine reach the waiter queue before the next
		// one starts, so arrival order is deterministic.
		deadline := time.Now().Add(time.Second)
		for {
			_, _, waiting := p.Stats(Read)
			if waiting == i+1 || time.Now().After(deadline) {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	p.Release(Read, held)
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("waiters served out of order: %v", order)
		}
	}
}

func TestCloseDrainsWaiters(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)
	ctx := context.Background()

	held, _ := p.Acquire(ctx, Read)
	_ = held

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, Read)
		errCh <- err
	}()

	// Wait for the waiter to enqueue.
	deadline := time.Now().Add(time.Second)
	for {
		_, _, waiting := p.Stats(Read)
		if waiting == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	p.Close()

	select {
	case err := <-errCh:
		if fserr.CodeOf(err) != fserr.CodeShuttingDown {
			t.Errorf("waiter error = %v, want SHUTTING_DOWN", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not drained by Close")
	}

	if _, err := p.Acquire(ctx, Read); fserr.CodeOf(err) != fserr.CodeShuttingDown {
		t.Errorf("Acquire() after Close error = %v, want SHUTTING_DOWN", err)
	}
}

func TestWithReadReleasesOnError(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)
	ctx := context.Background()

	opErr := errors.New("boom")
	err := p.WithRead(ctx, "test", func(ctx context.Context, c ledger.Client) error {
		return opErr
	})
	if fserr.CodeOf(err) != fserr.CodeRetryExhausted {
		t.Errorf("WithRead() error = %v, want RETRY_EXHAUSTED", err)
	}

	// Handle must be back in the pool.
	c, err := p.Acquire(ctx, Read)
	if err != nil {
		t.Fatalf("Acquire() after failed op error = %v", err)
	}
	p.Release(Read, c)
}

func TestExpirationBlock(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)
	ctx := context.Background()
	p.Start(ctx)

	// Memory backend simulates 30s blocks: 2880 per day.
	target, err := p.ExpirationBlock(ctx, 7)
	if err != nil {
		t.Fatalf("ExpirationBlock() error = %v", err)
	}

	var current uint64
	_ = p.WithRead(ctx, "block", func(ctx context.Context, c ledger.Client) error {
		current, _ = c.CurrentBlock(ctx)
		return nil
	})

	want := current + 7*2880
	if target != want {
		t.Errorf("ExpirationBlock(7) = %d, want %d", target, want)
	}
	if target <= current {
		t.Error("expiration block must exceed current block")
	}
}

func TestRetryPolicyDelays(t *testing.T) {
	p := Policy{Attempts: 5, Base: 2 * time.Second, Cap: 10 * time.Second}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond},
		"test", func(ctx context.Context) error {
			calls.Add(1)
			return ledger.ErrNoCredential
		})
	if !errors.Is(err, ledger.ErrNoCredential) {
		t.Errorf("Do() error = %v, want ErrNoCredential", err)
	}
	if calls.Load() != 1 {
		t.Errorf("op called %d times, want 1 (no retry on credential errors)", calls.Load())
	}
}

func TestDoRetriesPerCallDeadline(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond},
		"test", func(ctx context.Context) error {
			calls.Add(1)
			// Each op invocation runs under its own already-expired
			// call deadline, the way the writer bounds ledger calls.
			callCtx, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
			defer cancel()
			return callCtx.Err()
		})
	if !errors.Is(err, fserr.ErrRetryExhausted) {
		t.Errorf("Do() error = %v, want RETRY_EXHAUSTED", err)
	}
	if calls.Load() != 3 {
		t.Errorf("op called %d times, want 3 (per-call deadlines must consume the full budget)", calls.Load())
	}
}

func TestDoStopsOnCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	err := Do(ctx, Policy{Attempts: 5, Base: time.Millisecond, Cap: time.Millisecond},
		"test", func(ctx context.Context) error {
			calls.Add(1)
			cancel()
			return context.Canceled
		})
	if fserr.CodeOf(err) != fserr.CodeTimeout && !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want caller cancellation surfaced", err)
	}
	if calls.Load() != 1 {
		t.Errorf("op called %d times, want 1 (no retry once the caller gave up)", calls.Load())
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), Policy{Attempts: 5, Base: time.Millisecond, Cap: 2 * time.Millisecond},
		"test", func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return ledger.ErrUnavailable
			}
			return nil
		})
	if err != nil {
		t.Errorf("Do() error = %v, want nil after recovery", err)
	}
	if calls.Load() != 3 {
		t.Errorf("op called %d times, want 3", calls.Load())
	}
}
