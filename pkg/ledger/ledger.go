// Package ledger models the external content-addressed store.
//
// The ledger holds small annotated entities keyed by opaque entity
// keys. Every entity carries string and numeric annotations (the
// ledger indexes both) and a block-based expiration. filedb persists
// three entity kinds: file metadata, compressed chunks, and daily
// quota records.
//
// Two Client implementations exist: an in-memory one for memory mode
// and tests, and a JSON-RPC one speaking to a real ledger node.
package ledger

import (
	"context"
	"errors"
)

// Annotation keys shared by all entity kinds.
const (
	AnnType      = "type"
	AnnFileID    = "file_id"
	AnnOwner     = "owner"
	AnnChecksum  = "checksum"
	AnnCreatedAt = "created_at"

	AnnFilename    = "original_filename"
	AnnContentType = "content_type"
	AnnExtension   = "file_extension"
	AnnTotalSize   = "total_size"
	AnnChunkCount  = "chunk_count"
	AnnBTLDays     = "btl_days"

	AnnChunkIndex = "chunk_index"
	AnnChunkSize  = "chunk_size"

	AnnExpirationBlock = "expiration_block"

	AnnUserAddress = "user_address"
	AnnDate        = "date"
	AnnUsedBytes   = "used_bytes"
	AnnUploads     = "uploads_today"
)

// Entity type annotation values.
const (
	TypeMetadata = "metadata"
	TypeChunk    = "chunk"
	TypeQuota    = "quota"
)

// Sentinel errors returned by Client implementations.
var (
	// ErrKeyNotFound indicates no entity exists under the given key.
	ErrKeyNotFound = errors.New("entity key not found")

	// ErrNoCredential indicates a write was attempted through a
	// read-only handle.
	ErrNoCredential = errors.New("handle has no write credential")

	// ErrUnavailable indicates the ledger endpoint could not serve the
	// call. Transient: retrying may succeed.
	ErrUnavailable = errors.New("ledger unavailable")
)

// Entity is one unit of ledger storage.
type Entity struct {
	// Key is the opaque identifier minted by the ledger on creation.
	// Empty on entities that have not been written yet.
	Key string `json:"key,omitempty"`

	// Payload is the opaque entity body.
	Payload []byte `json:"payload"`

	// StringAnnotations are indexed string attributes.
	StringAnnotations map[string]string `json:"stringAnnotations,omitempty"`

	// NumericAnnotations are indexed numeric attributes.
	NumericAnnotations map[string]int64 `json:"numericAnnotations,omitempty"`

	// ExpirationBlock is the block height at which the ledger drops
	// the entity. Must be at least current block + 1 when written.
	ExpirationBlock uint64 `json:"expirationBlock"`
}

// Query selects entities by annotation equality. All conditions must
// match. Pagination is ledger-driven: callers pass Limit/Offset and
// drain pages until a short page is returned.
type Query struct {
	Strings  map[string]string
	Numerics map[string]int64
	Limit    int
	Offset   int
}

// Client is one handle to the ledger. Handles are pooled; see the pool
// subpackage. A handle is either credentialed (may create entities) or
// read-only.
type Client interface {
	// Create persists a single entity and returns its minted key.
	Create(ctx context.Context, entity Entity) (string, error)

	// CreateBatch persists entities in one ledger transaction and
	// returns their keys in input order. Either all entities are
	// written or none are.
	CreateBatch(ctx context.Context, entities []Entity) ([]string, error)

	// GetByKey fetches an entity by its ledger key.
	// Returns ErrKeyNotFound if absent or expired.
	GetByKey(ctx context.Context, key string) (*Entity, error)

	// Query returns entities matching all conditions, one page at a
	// time.
	Query(ctx context.Context, q Query) ([]*Entity, error)

	// CurrentBlock returns the ledger's current block height.
	CurrentBlock(ctx context.Context) (uint64, error)

	// BlockDurationSeconds returns the ledger's seconds-per-block
	// timing, probed from recent block headers.
	BlockDurationSeconds(ctx context.Context) (float64, error)

	// Ping verifies the handle is healthy.
	Ping(ctx context.Context) error

	// CanWrite reports whether this handle holds a write credential.
	CanWrite() bool

	// Close releases the handle's resources.
	Close() error
}

// Factory creates new client handles on demand. The pool calls it when
// it needs to grow up to its configured maximum.
type Factory func(ctx context.Context, credentialed bool) (Client, error)
