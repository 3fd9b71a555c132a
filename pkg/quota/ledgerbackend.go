package quota

import (
	"context"
	"encoding/json"

	"github.com/m00npl/filedb/pkg/ledger"
	"github.com/m00npl/filedb/pkg/ledger/pool"
)

// LedgerBackend stores quota records as daily `type=quota` entities.
// Each Store writes a fresh entity expiring roughly a day out; reads
// take the highest-counter record for (user, date), which tolerates
// duplicate writes from concurrent processes.
type LedgerBackend struct {
	pool *pool.Pool
}

// NewLedgerBackend creates a quota store over the shared handle pool.
func NewLedgerBackend(p *pool.Pool) *LedgerBackend {
	return &LedgerBackend{pool: p}
}

// Load implements Backend.
func (b *LedgerBackend) Load(ctx context.Context, userID, date string) (*Record, error) {
	record := &Record{UserID: userID, Date: date}

	err := b.pool.WithRead(ctx, "quota_load", func(ctx context.Context, c ledger.Client) error {
		entities, err := c.Query(ctx, ledger.Query{
			Strings: map[string]string{
				ledger.AnnType:        ledger.TypeQuota,
				ledger.AnnUserAddress: userID,
				ledger.AnnDate:        date,
			},
			Limit: 100,
		})
		if err != nil {
			return err
		}
		for _, e := range entities {
			used := e.NumericAnnotations[ledger.AnnUsedBytes]
			uploads := int(e.NumericAnnotations[ledger.AnnUploads])
			if used > record.UsedBytes || uploads > record.UploadsToday {
				record.UsedBytes = used
				record.UploadsToday = uploads
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Store implements Backend.
func (b *LedgerBackend) Store(ctx context.Context, record *Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return b.pool.WithWrite(ctx, "quota_store", func(ctx context.Context, c ledger.Client) error {
		// Quota records only matter for the current date; a ~1 day
		// expiry lets the ledger garbage-collect them.
		expiration, err := b.pool.ExpirationBlock(ctx, 1)
		if err != nil {
			return err
		}
		_, err = c.Create(ctx, ledger.Entity{
			Payload: payload,
			StringAnnotations: map[string]string{
				ledger.AnnType:        ledger.TypeQuota,
				ledger.AnnUserAddress: record.UserID,
				ledger.AnnDate:        record.Date,
			},
			NumericAnnotations: map[string]int64{
				ledger.AnnUsedBytes: record.UsedBytes,
				ledger.AnnUploads:   int64(record.UploadsToday),
			},
			ExpirationBlock: expiration,
		})
		return err
	})
}
