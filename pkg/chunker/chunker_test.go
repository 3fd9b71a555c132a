package chunker

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/m00npl/filedb/pkg/fserr"
)

func testSplitRequest() SplitRequest {
	return SplitRequest{
		FileID:          "f-1",
		Filename:        "report.PDF",
		ContentType:     "application/pdf",
		BTLDays:         7,
		ExpirationBlock: 5000,
	}
}

func TestSplitRoundTrip(t *testing.T) {
	sizes := []int{1, 100, 4096, 4097, 65536, 100000}
	c := New(4096)

	for _, size := range sizes {
		payload := make([]byte, size)
		if _, err := rand.Read(payload); err != nil {
			t.Fatal(err)
		}

		chunks, meta, err := c.Split(payload, testSplitRequest())
		if err != nil {
			t.Fatalf("size=%d: Split() error = %v", size, err)
		}

		wantChunks := (size + 4095) / 4096
		if len(chunks) != wantChunks {
			t.Errorf("size=%d: %d chunks, want %d", size, len(chunks), wantChunks)
		}
		if meta.ChunkCount != wantChunks {
			t.Errorf("size=%d: ChunkCount = %d, want %d", size, meta.ChunkCount, wantChunks)
		}
		if meta.TotalSize != int64(size) {
			t.Errorf("size=%d: TotalSize = %d", size, meta.TotalSize)
		}

		out, err := c.Reassemble(meta, chunks)
		if err != nil {
			t.Fatalf("size=%d: Reassemble() error = %v", size, err)
		}
		if !bytes.Equal(out, payload) {
			t.Errorf("size=%d: reassembled payload differs from original", size)
		}
	}
}

func TestSplitInvariants(t *testing.T) {
	c := New(1024)
	payload := make([]byte, 3500)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	chunks, meta, err := c.Split(payload, testSplitRequest())
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	var totalOriginal int
	for i, chunk := range chunks {
		if chunk.ChunkIndex != i {
			t.Errorf("chunk[%d].ChunkIndex = %d, indices must be dense and zero-based", i, chunk.ChunkIndex)
		}
		if chunk.FileID != "f-1" {
			t.Errorf("chunk[%d].FileID = %q", i, chunk.FileID)
		}
		if chunk.ExpirationBlock != 5000 {
			t.Errorf("chunk[%d].ExpirationBlock = %d, want 5000", i, chunk.ExpirationBlock)
		}
		if chunk.CompressedSize != len(chunk.Bytes) {
			t.Errorf("chunk[%d].CompressedSize = %d, want %d", i, chunk.CompressedSize, len(chunk.Bytes))
		}

		// Checksum is over the plaintext slice, not the compressed bytes.
		start := i * 1024
		end := start + chunk.OriginalSize
		sum := sha256.Sum256(payload[start:end])
		if chunk.Checksum != hex.EncodeToString(sum[:]) {
			t.Errorf("chunk[%d] checksum is not over the uncompressed slice", i)
		}
		if err := VerifyChunk(&chunks[i]); err != nil {
			t.Errorf("VerifyChunk(%d) error = %v", i, err)
		}

		totalOriginal += chunk.OriginalSize
	}

	if int64(totalOriginal) != meta.TotalSize {
		t.Errorf("sum of OriginalSize = %d, want TotalSize %d", totalOriginal, meta.TotalSize)
	}

	wholeSum := sha256.Sum256(payload)
	if meta.Checksum != hex.EncodeToString(wholeSum[:]) {
		t.Error("metadata checksum is not sha256 of the whole plaintext")
	}
}

func TestSingleChunkFile(t *testing.T) {
	c := New(32 * 1024)
	chunks, meta, err := c.Split([]byte("hello world"), testSplitRequest())
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 1 || chunks[0].ChunkIndex != 0 {
		t.Errorf("single chunk file must have exactly chunk_index 0, got %d chunks", len(chunks))
	}
	if meta.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d, want 1", meta.ChunkCount)
	}
}

func TestEmptyPayloadRejected(t *testing.T) {
	c := New(1024)
	_, _, err := c.Split(nil, testSplitRequest())
	if fserr.CodeOf(err) != fserr.CodeValidation {
		t.Errorf("Split(empty) error = %v, want VALIDATION", err)
	}
}

func TestReassembleDetectsMissingChunk(t *testing.T) {
	c := New(1024)
	payload := make([]byte, 4096)
	chunks, meta, _ := c.Split(payload, testSplitRequest())

	_, err := c.Reassemble(meta, chunks[:len(chunks)-1])
	if fserr.CodeOf(err) != fserr.CodeFileIncomplete {
		t.Errorf("Reassemble(missing chunk) error = %v, want FILE_INCOMPLETE", err)
	}
}

func TestReassembleDetectsDuplicateIndex(t *testing.T) {
	c := New(1024)
	payload := make([]byte, 4096)
	chunks, meta, _ := c.Split(payload, testSplitRequest())

	chunks[3] = chunks[0] // duplicate index, count still matches
	_, err := c.Reassemble(meta, chunks)
	if fserr.CodeOf(err) != fserr.CodeFileIncomplete {
		t.Errorf("Reassemble(duplicate index) error = %v, want FILE_INCOMPLETE", err)
	}
}

func TestReassembleDetectsCorruption(t *testing.T) {
	c := New(1024)
	payload := []byte("the quick brown fox jumps over the lazy dog")
	chunks, meta, _ := c.Split(payload, testSplitRequest())

	// Corrupt the stored checksum to simulate a tampered payload.
	meta.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"

	_, err := c.Reassemble(meta, chunks)
	if fserr.CodeOf(err) != fserr.CodeIntegrityFailed {
		t.Errorf("Reassemble(corrupted) error = %v, want INTEGRITY_FAILED", err)
	}
}

func TestReassembleOutOfOrderInput(t *testing.T) {
	c := New(512)
	payload := make([]byte, 2048)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	chunks, meta, _ := c.Split(payload, testSplitRequest())

	// Reverse the slice; Reassemble must sort by index.
	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}

	out, err := c.Reassemble(meta, chunks)
	if err != nil {
		t.Fatalf("Reassemble() error = %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("out-of-order input not reassembled correctly")
	}
}

func TestFileExtension(t *testing.T) {
	cases := []struct {
		filename string
		want     string
	}{
		{"report.PDF", "pdf"},
		{"archive.tar.gz", "gz"},
		{"README", ""},
		{".gitignore", ""},
		{"trailing.", ""},
		{"", ""},
		{"noext.", ""},
		{"photo.JPEG", "jpeg"},
	}
	for _, tc := range cases {
		if got := FileExtension(tc.filename); got != tc.want {
			t.Errorf("FileExtension(%q) = %q, want %q", tc.filename, got, tc.want)
		}
	}
}
