package retrieve

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/m00npl/filedb/pkg/chunker"
	"github.com/m00npl/filedb/pkg/fserr"
	"github.com/m00npl/filedb/pkg/keycache"
	"github.com/m00npl/filedb/pkg/ledger"
	"github.com/m00npl/filedb/pkg/ledger/pool"
	"github.com/m00npl/filedb/pkg/metrics"
)

type testEnv struct {
	service *Service
	backend *ledger.MemoryBackend
	keys    *keycache.Cache
	chunker *chunker.Chunker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	backend := ledger.NewMemoryBackend()
	p := pool.New(backend.Factory(), pool.Config{ReadMax: 4, WriteMax: 1, BlocksPerDay: 2880})
	p.Start(context.Background())
	t.Cleanup(p.Close)

	keys := keycache.New(nil, time.Hour, time.Second)
	c := chunker.New(4)
	return &testEnv{
		service: New(p, c, keys, metrics.New()),
		backend: backend,
		keys:    keys,
		chunker: c,
	}
}

// seed splits payload and writes metadata plus all chunks directly to
// the ledger, returning the minted keys.
func (e *testEnv) seed(t *testing.T, fileID string, payload []byte) (*chunker.FileMetadata, keycache.EntityKeyIndex) {
	t.Helper()
	ctx := context.Background()

	chunks, meta, err := e.chunker.Split(payload, chunker.SplitRequest{
		FileID:          fileID,
		Filename:        "seed.txt",
		ContentType:     "text/plain",
		Owner:           "alice",
		BTLDays:         7,
		ExpirationBlock: 100000,
	})
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	metaEntity, err := ledger.MetadataEntity(meta)
	if err != nil {
		t.Fatal(err)
	}
	entities := []ledger.Entity{metaEntity}
	for i := range chunks {
		entities = append(entities, ledger.ChunkEntity(&chunks[i]))
	}

	client := e.backend.NewClient(true)
	minted, err := client.CreateBatch(ctx, entities)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	meta.LedgerKey = minted[0]
	index := keycache.EntityKeyIndex{MetadataKey: minted[0], ChunkKeys: minted[1:]}
	return meta, index
}

func TestGetFileFastPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload := []byte("the quick brown fox jumps over the lazy dog")
	_, index := env.seed(t, "fp1", payload)
	env.keys.Put(ctx, "fp1", index)

	file, err := env.service.GetFile(ctx, "fp1")
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if !bytes.Equal(file.Bytes, payload) {
		t.Errorf("GetFile() bytes differ from the uploaded payload")
	}
	if file.Metadata.ContentType != "text/plain" {
		t.Errorf("ContentType = %q", file.Metadata.ContentType)
	}
}

func TestGetFileSlowPathDrainsPagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 125 chunks at size 4 forces a second query page (page size 100).
	payload := bytes.Repeat([]byte("abcd"), 125)
	env.seed(t, "sp1", payload)

	file, err := env.service.GetFile(ctx, "sp1")
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if !bytes.Equal(file.Bytes, payload) {
		t.Error("slow-path bytes differ from the uploaded payload")
	}
	if file.Metadata.ChunkCount != 125 {
		t.Errorf("ChunkCount = %d, want 125", file.Metadata.ChunkCount)
	}
}

func TestGetFileNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.GetFile(context.Background(), "missing")
	if fserr.CodeOf(err) != fserr.CodeNotFound {
		t.Errorf("GetFile(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestGetFileIncompleteChunkSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chunks, meta, err := env.chunker.Split([]byte("twelve bytes"), chunker.SplitRequest{
		FileID:          "inc1",
		Filename:        "partial.bin",
		BTLDays:         7,
		ExpirationBlock: 100000,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Persist the metadata and all but the last chunk, as a writer
	// mid-flight would have.
	metaEntity, err := ledger.MetadataEntity(meta)
	if err != nil {
		t.Fatal(err)
	}
	entities := []ledger.Entity{metaEntity}
	for i := 0; i < len(chunks)-1; i++ {
		entities = append(entities, ledger.ChunkEntity(&chunks[i]))
	}
	if _, err := env.backend.NewClient(true).CreateBatch(ctx, entities); err != nil {
		t.Fatal(err)
	}

	_, err = env.service.GetFile(ctx, "inc1")
	if fserr.CodeOf(err) != fserr.CodeFileIncomplete {
		t.Errorf("GetFile(partial) error = %v, want FILE_INCOMPLETE", err)
	}
}

func TestGetFileIntegrityFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chunks, meta, err := env.chunker.Split([]byte("original content"), chunker.SplitRequest{
		FileID:          "bad1",
		Filename:        "tampered.bin",
		BTLDays:         7,
		ExpirationBlock: 100000,
	})
	if err != nil {
		t.Fatal(err)
	}
	meta.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"

	metaEntity, err := ledger.MetadataEntity(meta)
	if err != nil {
		t.Fatal(err)
	}
	entities := []ledger.Entity{metaEntity}
	for i := range chunks {
		entities = append(entities, ledger.ChunkEntity(&chunks[i]))
	}
	if _, err := env.backend.NewClient(true).CreateBatch(ctx, entities); err != nil {
		t.Fatal(err)
	}

	_, err = env.service.GetFile(ctx, "bad1")
	if fserr.CodeOf(err) != fserr.CodeIntegrityFailed {
		t.Errorf("GetFile(tampered) error = %v, want INTEGRITY_FAILED", err)
	}
}

func TestStaleIndexFallsBackToQuery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload := []byte("still retrievable")
	env.seed(t, "st1", payload)

	// Poison the cache with keys that no longer resolve.
	env.keys.Put(ctx, "st1", keycache.EntityKeyIndex{
		MetadataKey: "0xdead",
		ChunkKeys:   []string{"0xbeef"},
	})

	file, err := env.service.GetFile(ctx, "st1")
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if !bytes.Equal(file.Bytes, payload) {
		t.Error("fallback bytes differ from the uploaded payload")
	}
}

func TestGetMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	meta, index := env.seed(t, "md1", []byte("metadata only"))
	env.keys.Put(ctx, "md1", index)

	got, err := env.service.GetMetadata(ctx, "md1")
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if got.FileID != "md1" || got.Checksum != meta.Checksum {
		t.Errorf("GetMetadata() = %+v", got)
	}
	if got.LedgerKey != index.MetadataKey {
		t.Errorf("LedgerKey = %q, want %q", got.LedgerKey, index.MetadataKey)
	}
}

func TestGetEntityKeysRebuildsOnMiss(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, index := env.seed(t, "ek1", []byte("rebuild me please"))

	got, err := env.service.GetEntityKeys(ctx, "ek1")
	if err != nil {
		t.Fatalf("GetEntityKeys() error = %v", err)
	}
	if got.MetadataKey != index.MetadataKey {
		t.Errorf("MetadataKey = %q, want %q", got.MetadataKey, index.MetadataKey)
	}
	if len(got.ChunkKeys) != len(index.ChunkKeys) {
		t.Fatalf("ChunkKeys count = %d, want %d", len(got.ChunkKeys), len(index.ChunkKeys))
	}

	// The rebuilt index is cached for the next caller.
	if _, err := env.keys.Get(ctx, "ek1"); err != nil {
		t.Errorf("index not written back to the cache: %v", err)
	}
}
