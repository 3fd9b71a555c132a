package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCConfig configures a JSON-RPC ledger handle.
type RPCConfig struct {
	// Endpoint is the ledger node URL (http, https, ws, or wss).
	Endpoint string

	// Credential is the write credential forwarded to the node. Empty
	// creates a read-only handle.
	Credential string

	// OwnerAddress scopes annotation queries to entities this service
	// created. Empty queries the whole ledger.
	OwnerAddress string

	// ConnectTimeout bounds the dial.
	ConnectTimeout time.Duration
}

// rpcClient speaks the ledger's JSON-RPC surface over a go-ethereum
// rpc.Client. Entity operations live in the "arkiv" namespace; block
// height and timing come from the standard "eth" namespace.
type rpcClient struct {
	client     *rpc.Client
	credential string
	owner      string
}

// NewRPCClient dials the ledger endpoint and returns a handle.
func NewRPCClient(ctx context.Context, cfg RPCConfig) (Client, error) {
	dialCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	opts := []rpc.ClientOption{}
	if cfg.Credential != "" {
		opts = append(opts, rpc.WithHeader("Authorization", "Bearer "+cfg.Credential))
	}

	client, err := rpc.DialOptions(dialCtx, cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUnavailable, cfg.Endpoint, err)
	}

	return &rpcClient{client: client, credential: cfg.Credential, owner: cfg.OwnerAddress}, nil
}

// RPCFactory returns a pool-compatible factory dialing cfg.Endpoint.
// Read handles are dialed without the credential.
func RPCFactory(cfg RPCConfig) Factory {
	return func(ctx context.Context, credentialed bool) (Client, error) {
		handleCfg := cfg
		if !credentialed {
			handleCfg.Credential = ""
		}
		return NewRPCClient(ctx, handleCfg)
	}
}

// wireEntity is the JSON-RPC shape of an entity.
type wireEntity struct {
	Key                string            `json:"key,omitempty"`
	Payload            hexutil.Bytes     `json:"payload"`
	StringAnnotations  map[string]string `json:"stringAnnotations,omitempty"`
	NumericAnnotations map[string]int64  `json:"numericAnnotations,omitempty"`
	ExpirationBlock    hexutil.Uint64    `json:"expirationBlock"`
}

func toWire(e *Entity) wireEntity {
	return wireEntity{
		Key:                e.Key,
		Payload:            hexutil.Bytes(e.Payload),
		StringAnnotations:  e.StringAnnotations,
		NumericAnnotations: e.NumericAnnotations,
		ExpirationBlock:    hexutil.Uint64(e.ExpirationBlock),
	}
}

func fromWire(w *wireEntity) *Entity {
	return &Entity{
		Key:                w.Key,
		Payload:            []byte(w.Payload),
		StringAnnotations:  w.StringAnnotations,
		NumericAnnotations: w.NumericAnnotations,
		ExpirationBlock:    uint64(w.ExpirationBlock),
	}
}

func (c *rpcClient) Create(ctx context.Context, entity Entity) (string, error) {
	keys, err := c.CreateBatch(ctx, []Entity{entity})
	if err != nil {
		return "", err
	}
	return keys[0], nil
}

func (c *rpcClient) CreateBatch(ctx context.Context, entities []Entity) ([]string, error) {
	if !c.CanWrite() {
		return nil, ErrNoCredential
	}

	wire := make([]wireEntity, len(entities))
	for i := range entities {
		wire[i] = toWire(&entities[i])
	}

	var keys []string
	if err := c.client.CallContext(ctx, &keys, "arkiv_createEntities", wire); err != nil {
		return nil, fmt.Errorf("%w: createEntities: %w", ErrUnavailable, err)
	}
	if len(keys) != len(entities) {
		return nil, fmt.Errorf("%w: createEntities returned %d keys for %d entities",
			ErrUnavailable, len(keys), len(entities))
	}
	return keys, nil
}

func (c *rpcClient) GetByKey(ctx context.Context, key string) (*Entity, error) {
	var result *wireEntity
	if err := c.client.CallContext(ctx, &result, "arkiv_getEntity", key); err != nil {
		return nil, fmt.Errorf("%w: getEntity: %w", ErrUnavailable, err)
	}
	if result == nil {
		return nil, ErrKeyNotFound
	}
	return fromWire(result), nil
}

func (c *rpcClient) Query(ctx context.Context, q Query) ([]*Entity, error) {
	expr := BuildExpression(q)
	// Scope queries to our own entities so another tenant's annotations
	// can never satisfy them.
	if c.owner != "" {
		expr = fmt.Sprintf("$owner = %q && %s", c.owner, expr)
	}

	var results []wireEntity
	err := c.client.CallContext(ctx, &results, "arkiv_queryEntities", expr, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: queryEntities: %w", ErrUnavailable, err)
	}

	out := make([]*Entity, len(results))
	for i := range results {
		out[i] = fromWire(&results[i])
	}
	return out, nil
}

func (c *rpcClient) CurrentBlock(ctx context.Context) (uint64, error) {
	var height hexutil.Uint64
	if err := c.client.CallContext(ctx, &height, "eth_blockNumber"); err != nil {
		return 0, fmt.Errorf("%w: blockNumber: %w", ErrUnavailable, err)
	}
	return uint64(height), nil
}

// blockHeader carries the single header field the timing probe needs.
type blockHeader struct {
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// BlockDurationSeconds probes block timing from the two most recent
// headers. Falls back to the caller's configured blocks-per-day when
// the probe errors.
func (c *rpcClient) BlockDurationSeconds(ctx context.Context) (float64, error) {
	height, err := c.CurrentBlock(ctx)
	if err != nil {
		return 0, err
	}
	if height < 2 {
		return 0, fmt.Errorf("%w: chain too short for timing probe", ErrUnavailable)
	}

	var latest, previous blockHeader
	if err := c.client.CallContext(ctx, &latest, "eth_getBlockByNumber",
		hexutil.Uint64(height), false); err != nil {
		return 0, fmt.Errorf("%w: getBlockByNumber: %w", ErrUnavailable, err)
	}
	if err := c.client.CallContext(ctx, &previous, "eth_getBlockByNumber",
		hexutil.Uint64(height-1), false); err != nil {
		return 0, fmt.Errorf("%w: getBlockByNumber: %w", ErrUnavailable, err)
	}

	delta := int64(latest.Timestamp) - int64(previous.Timestamp)
	if delta <= 0 {
		return 0, fmt.Errorf("%w: non-positive block delta %d", ErrUnavailable, delta)
	}
	return float64(delta), nil
}

func (c *rpcClient) Ping(ctx context.Context) error {
	_, err := c.CurrentBlock(ctx)
	return err
}

func (c *rpcClient) CanWrite() bool {
	return c.credential != ""
}

func (c *rpcClient) Close() error {
	c.client.Close()
	return nil
}
