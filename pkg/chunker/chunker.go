// Package chunker splits payloads into fixed-size compressed chunks
// and reassembles them on retrieval.
//
// Chunking model:
//   - The payload is sliced into windows of the configured chunk size.
//   - Each window is gzip-compressed independently so chunks can be
//     fetched and decompressed in any order.
//   - Checksums (SHA-256) are always computed over plaintext: per
//     chunk over the uncompressed slice, and for the whole file over
//     the full payload.
//   - chunk_index is dense and zero-based across the set.
package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/m00npl/filedb/pkg/fserr"
)

// Chunk is one compressed fragment of a payload.
type Chunk struct {
	ID             string    `json:"id"`
	FileID         string    `json:"file_id"`
	ChunkIndex     int       `json:"chunk_index"`
	Bytes          []byte    `json:"-"` // compressed
	OriginalSize   int       `json:"original_size"`
	CompressedSize int       `json:"compressed_size"`
	Checksum       string    `json:"checksum"` // SHA-256 of the uncompressed slice
	CreatedAt      time.Time `json:"created_at"`

	// ExpirationBlock is stamped at split time from the upload's
	// btl_days window.
	ExpirationBlock uint64 `json:"expiration_block"`

	// LedgerKey is filled by the writer once the chunk is persisted.
	LedgerKey string `json:"ledger_key,omitempty"`
}

// FileMetadata describes one stored payload.
type FileMetadata struct {
	FileID           string    `json:"file_id"`
	OriginalFilename string    `json:"original_filename"`
	ContentType      string    `json:"content_type"`
	FileExtension    string    `json:"file_extension"`
	TotalSize        int64     `json:"total_size"`
	ChunkCount       int       `json:"chunk_count"`
	Checksum         string    `json:"checksum"` // SHA-256 of the whole plaintext
	CreatedAt        time.Time `json:"created_at"`
	ExpirationBlock  uint64    `json:"expiration_block"`
	BTLDays          int       `json:"btl_days"`
	LedgerKey        string    `json:"ledger_key,omitempty"`
	Owner            string    `json:"owner,omitempty"`
}

// Chunker splits and reassembles payloads.
type Chunker struct {
	chunkSize int
}

// New creates a Chunker with the given uncompressed window size.
func New(chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	return &Chunker{chunkSize: chunkSize}
}

// ChunkSize returns the configured uncompressed window size.
func (c *Chunker) ChunkSize() int {
	return c.chunkSize
}

// SplitRequest carries everything Split needs besides the payload.
type SplitRequest struct {
	FileID          string
	Filename        string
	ContentType     string
	Owner           string
	BTLDays         int
	ExpirationBlock uint64
}

// Split slices the payload into chunks and builds the metadata
// descriptor. Chunks are emitted in ascending chunk_index. Empty
// payloads are rejected by admission before reaching the chunker; a
// defensive check keeps the invariant chunk_count >= 1 honest.
func (c *Chunker) Split(payload []byte, req SplitRequest) ([]Chunk, *FileMetadata, error) {
	if len(payload) == 0 {
		return nil, nil, fserr.New(fserr.CodeValidation, "empty payload")
	}

	now := time.Now().UTC()
	count := (len(payload) + c.chunkSize - 1) / c.chunkSize
	chunks := make([]Chunk, 0, count)

	for offset := 0; offset < len(payload); offset += c.chunkSize {
		end := offset + c.chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		window := payload[offset:end]

		compressed, err := compress(window)
		if err != nil {
			return nil, nil, fserr.Wrap(fserr.CodeInternal, "chunk compression failed", err)
		}

		sum := sha256.Sum256(window)
		chunks = append(chunks, Chunk{
			ID:              uuid.NewString(),
			FileID:          req.FileID,
			ChunkIndex:      offset / c.chunkSize,
			Bytes:           compressed,
			OriginalSize:    len(window),
			CompressedSize:  len(compressed),
			Checksum:        hex.EncodeToString(sum[:]),
			CreatedAt:       now,
			ExpirationBlock: req.ExpirationBlock,
		})
	}

	wholeSum := sha256.Sum256(payload)
	meta := &FileMetadata{
		FileID:           req.FileID,
		OriginalFilename: req.Filename,
		ContentType:      req.ContentType,
		FileExtension:    FileExtension(req.Filename),
		TotalSize:        int64(len(payload)),
		ChunkCount:       len(chunks),
		Checksum:         hex.EncodeToString(wholeSum[:]),
		CreatedAt:        now,
		ExpirationBlock:  req.ExpirationBlock,
		BTLDays:          req.BTLDays,
		Owner:            req.Owner,
	}

	return chunks, meta, nil
}

// Reassemble decompresses and concatenates chunks in chunk_index
// order, then verifies the whole-file checksum against the metadata.
//
// A chunk count mismatch is FILE_INCOMPLETE (retryable: the writer may
// still be persisting). A checksum mismatch is INTEGRITY_FAILED and
// terminal.
func (c *Chunker) Reassemble(meta *FileMetadata, chunks []Chunk) ([]byte, error) {
	if len(chunks) != meta.ChunkCount {
		return nil, fserr.Newf(fserr.CodeFileIncomplete,
			"found %d of %d chunks", len(chunks), meta.ChunkCount)
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})

	// Indices must be dense and zero-based; duplicates or gaps mean
	// the set is unusable even if the count matches.
	for i := range chunks {
		if chunks[i].ChunkIndex != i {
			return nil, fserr.Newf(fserr.CodeFileIncomplete,
				"chunk index %d found at position %d", chunks[i].ChunkIndex, i)
		}
	}

	buf := bytes.NewBuffer(make([]byte, 0, meta.TotalSize))
	for i := range chunks {
		plain, err := decompress(chunks[i].Bytes)
		if err != nil {
			return nil, fserr.Wrap(fserr.CodeIntegrityFailed,
				fmt.Sprintf("chunk %d decompression failed", i), err)
		}
		buf.Write(plain)
	}

	payload := buf.Bytes()
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return nil, fserr.New(fserr.CodeIntegrityFailed, "whole-file checksum mismatch")
	}

	return payload, nil
}

// VerifyChunk recomputes a chunk's plaintext checksum.
func VerifyChunk(chunk *Chunk) error {
	plain, err := decompress(chunk.Bytes)
	if err != nil {
		return fserr.Wrap(fserr.CodeIntegrityFailed, "chunk decompression failed", err)
	}
	sum := sha256.Sum256(plain)
	if hex.EncodeToString(sum[:]) != chunk.Checksum {
		return fserr.Newf(fserr.CodeIntegrityFailed, "chunk %d checksum mismatch", chunk.ChunkIndex)
	}
	return nil
}

// FileExtension returns the lowercased suffix after the last dot.
// Dotless names and leading-dot names yield an empty extension.
func FileExtension(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx <= 0 || idx == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[idx+1:])
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Decompress exposes chunk decompression to the retrieval pipeline.
func Decompress(data []byte) ([]byte, error) {
	return decompress(data)
}
