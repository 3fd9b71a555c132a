// Package query lists stored files through the ledger's attribute
// index.
//
// All three listings select `type=metadata` entities; the ledger
// paginates and the service drains every page before returning. In
// ledger mode the attribute index may lag writes, so listings can
// legitimately miss very recent uploads.
package query

import (
	"context"
	"sort"

	"github.com/m00npl/filedb/pkg/chunker"
	"github.com/m00npl/filedb/pkg/ledger"
	"github.com/m00npl/filedb/pkg/ledger/pool"
)

// pageSize is the ledger query page drained per round trip.
const pageSize = 100

// Service answers file listings.
type Service struct {
	pool *pool.Pool
}

// New wires the query service.
func New(p *pool.Pool) *Service {
	return &Service{pool: p}
}

// ByOwner lists an owner's files, newest first.
func (s *Service) ByOwner(ctx context.Context, owner string) ([]*chunker.FileMetadata, error) {
	files, err := s.listBy(ctx, ledger.AnnOwner, owner)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].CreatedAt.After(files[j].CreatedAt)
	})
	return files, nil
}

// ByExtension lists files with the given (lowercased) extension.
// Ordering is ledger-defined.
func (s *Service) ByExtension(ctx context.Context, extension string) ([]*chunker.FileMetadata, error) {
	return s.listBy(ctx, ledger.AnnExtension, extension)
}

// ByContentType lists files with the given content type. Ordering is
// ledger-defined.
func (s *Service) ByContentType(ctx context.Context, contentType string) ([]*chunker.FileMetadata, error) {
	return s.listBy(ctx, ledger.AnnContentType, contentType)
}

func (s *Service) listBy(ctx context.Context, annotation, value string) ([]*chunker.FileMetadata, error) {
	q := ledger.Query{
		Strings: map[string]string{
			ledger.AnnType: ledger.TypeMetadata,
			annotation:     value,
		},
		Limit: pageSize,
	}

	var files []*chunker.FileMetadata
	for offset := 0; ; offset += pageSize {
		q.Offset = offset

		var page []*ledger.Entity
		err := s.pool.WithRead(ctx, "query_files", func(ctx context.Context, c ledger.Client) error {
			var err error
			page, err = c.Query(ctx, q)
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, e := range page {
			meta, err := ledger.MetadataFromEntity(e)
			if err != nil {
				return nil, err
			}
			files = append(files, meta)
		}
		if len(page) < pageSize {
			return files, nil
		}
	}
}
