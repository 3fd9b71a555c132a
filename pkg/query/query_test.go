package query

import (
	"context"
	"testing"
	"time"

	"github.com/m00npl/filedb/pkg/chunker"
	"github.com/m00npl/filedb/pkg/ledger"
	"github.com/m00npl/filedb/pkg/ledger/pool"
)

func newTestService(t *testing.T) (*Service, *ledger.MemoryBackend) {
	t.Helper()
	backend := ledger.NewMemoryBackend()
	p := pool.New(backend.Factory(), pool.Config{ReadMax: 2, WriteMax: 1, BlocksPerDay: 2880})
	p.Start(context.Background())
	t.Cleanup(p.Close)
	return New(p), backend
}

func seedMetadata(t *testing.T, backend *ledger.MemoryBackend, fileID, owner, filename, contentType string, createdAt time.Time) {
	t.Helper()
	meta := &chunker.FileMetadata{
		FileID:           fileID,
		OriginalFilename: filename,
		ContentType:      contentType,
		FileExtension:    chunker.FileExtension(filename),
		TotalSize:        10,
		ChunkCount:       1,
		Checksum:         "cafebabe",
		CreatedAt:        createdAt,
		ExpirationBlock:  100000,
		BTLDays:          7,
		Owner:            owner,
	}
	entity, err := ledger.MetadataEntity(meta)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := backend.NewClient(true).Create(context.Background(), entity); err != nil {
		t.Fatal(err)
	}
}

func TestByOwnerNewestFirst(t *testing.T) {
	svc, backend := newTestService(t)
	now := time.Now().UTC()

	seedMetadata(t, backend, "old", "alice", "old.txt", "text/plain", now.Add(-2*time.Hour))
	seedMetadata(t, backend, "new", "alice", "new.txt", "text/plain", now)
	seedMetadata(t, backend, "other", "bob", "bob.txt", "text/plain", now.Add(-time.Hour))

	files, err := svc.ByOwner(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ByOwner() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ByOwner() returned %d files, want 2", len(files))
	}
	if files[0].FileID != "new" || files[1].FileID != "old" {
		t.Errorf("order = [%s, %s], want newest first", files[0].FileID, files[1].FileID)
	}
}

func TestByExtension(t *testing.T) {
	svc, backend := newTestService(t)
	now := time.Now().UTC()

	seedMetadata(t, backend, "t1", "alice", "notes.txt", "text/plain", now)
	seedMetadata(t, backend, "p1", "alice", "photo.png", "image/png", now)
	seedMetadata(t, backend, "t2", "bob", "README.TXT", "text/plain", now)

	files, err := svc.ByExtension(context.Background(), "txt")
	if err != nil {
		t.Fatalf("ByExtension() error = %v", err)
	}
	// Extensions are lowercased at split time, so README.TXT matches.
	if len(files) != 2 {
		t.Errorf("ByExtension(txt) returned %d files, want 2", len(files))
	}
}

func TestByContentType(t *testing.T) {
	svc, backend := newTestService(t)
	now := time.Now().UTC()

	seedMetadata(t, backend, "p1", "alice", "a.png", "image/png", now)
	seedMetadata(t, backend, "p2", "alice", "b.png", "image/png", now)
	seedMetadata(t, backend, "t1", "alice", "c.txt", "text/plain", now)

	files, err := svc.ByContentType(context.Background(), "image/png")
	if err != nil {
		t.Fatalf("ByContentType() error = %v", err)
	}
	if len(files) != 2 {
		t.Errorf("ByContentType(image/png) returned %d files, want 2", len(files))
	}
}

func TestEmptyResult(t *testing.T) {
	svc, _ := newTestService(t)

	files, err := svc.ByOwner(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("ByOwner() error = %v", err)
	}
	if len(files) != 0 {
		t.Errorf("ByOwner(nobody) returned %d files, want 0", len(files))
	}
}

func TestDrainsMultiplePages(t *testing.T) {
	svc, backend := newTestService(t)
	now := time.Now().UTC()

	for i := 0; i < pageSize+25; i++ {
		seedMetadata(t, backend, "f"+string(rune('a'+i%26))+string(rune('0'+i%10)),
			"carol", "bulk.txt", "text/plain", now.Add(time.Duration(i)*time.Second))
	}

	files, err := svc.ByOwner(context.Background(), "carol")
	if err != nil {
		t.Fatalf("ByOwner() error = %v", err)
	}
	if len(files) != pageSize+25 {
		t.Errorf("ByOwner() returned %d files, want %d", len(files), pageSize+25)
	}
}
