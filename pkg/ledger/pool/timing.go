package pool

import (
	"context"
	"sync"
	"time"

	"github.com/m00npl/filedb/internal/logger"
	"github.com/m00npl/filedb/pkg/fserr"
	"github.com/m00npl/filedb/pkg/ledger"
)

const secondsPerDay = 86400

// timing caches the ledger's block duration so expiration-block math
// does not hit the network per upload.
type timing struct {
	mu             sync.RWMutex
	secondsPerBlck float64
	blocksPerDay   int
	probed         bool
}

// refreshTiming probes the ledger's block duration once, at startup.
// A failed probe keeps the configured blocks-per-day fallback.
func (p *Pool) refreshTiming(ctx context.Context) {
	err := p.WithRead(ctx, "blockDuration", func(ctx context.Context, c ledger.Client) error {
		seconds, err := c.BlockDurationSeconds(ctx)
		if err != nil {
			return err
		}
		p.timing.mu.Lock()
		p.timing.secondsPerBlck = seconds
		p.timing.probed = true
		p.timing.mu.Unlock()
		return nil
	})
	if err != nil {
		logger.Warn("block timing probe failed, using configured blocks_per_day",
			"blocks_per_day", p.timing.blocksPerDay,
			"error", err)
		return
	}

	p.timing.mu.RLock()
	seconds := p.timing.secondsPerBlck
	p.timing.mu.RUnlock()
	logger.Info("block timing probed", "seconds_per_block", seconds)
}

// blocksForDays converts a days-to-live window to a block count using
// probed timing, falling back to the configured blocks-per-day.
func (p *Pool) blocksForDays(btlDays int) uint64 {
	p.timing.mu.RLock()
	defer p.timing.mu.RUnlock()

	if p.timing.probed && p.timing.secondsPerBlck > 0 {
		return uint64(float64(btlDays) * secondsPerDay / p.timing.secondsPerBlck)
	}

	perDay := p.timing.blocksPerDay
	if perDay <= 0 {
		perDay = 2880
	}
	return uint64(btlDays) * uint64(perDay)
}

// ExpirationBlock computes the target expiration block for a
// days-to-live window: current block plus the converted block count,
// never less than current block + 1.
func (p *Pool) ExpirationBlock(ctx context.Context, btlDays int) (uint64, error) {
	var current uint64
	err := p.WithRead(ctx, "currentBlock", func(ctx context.Context, c ledger.Client) error {
		block, err := c.CurrentBlock(ctx)
		if err != nil {
			return err
		}
		current = block
		return nil
	})
	if err != nil {
		return 0, fserr.Wrap(fserr.CodeLedgerDown, "failed to read current block", err)
	}

	blocks := p.blocksForDays(btlDays)
	if blocks == 0 {
		blocks = 1
	}
	return current + blocks, nil
}

// HealthCheck pings one read handle with a short deadline.
func (p *Pool) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := p.Acquire(ctx, Read)
	if err != nil {
		return err
	}
	defer p.Release(Read, client)
	return client.Ping(ctx)
}
