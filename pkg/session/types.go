// Package session persists upload-session state keyed by idempotency
// key.
//
// The primary store is the embedded badger instance (TTL-expired); a
// mutex-guarded in-memory mirror serves reads when badger errors, so a
// cache outage degrades durability but never fails a request.
package session

import (
	"sort"
	"time"

	"github.com/m00npl/filedb/pkg/chunker"
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusUploading Status = "UPLOADING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// UploadSession is the stateful record of one in-flight or terminal
// upload. Created by the ingestion pipeline on admission; mutated only
// by the async writer for its own session.
type UploadSession struct {
	FileID         string                `json:"file_id"`
	IdempotencyKey string                `json:"idempotency_key"`
	Metadata       *chunker.FileMetadata `json:"metadata"`

	// ChunksReceived marks ledger-confirmed chunk indices. Serialized
	// as a sorted array.
	ChunksReceived map[int]bool `json:"-"`

	Completed bool   `json:"completed"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`

	ChunksUploadedToLedger int `json:"chunks_uploaded_to_ledger"`
	TotalChunks            int `json:"total_chunks"`

	StartedAt           time.Time  `json:"started_at"`
	LastChunkUploadedAt *time.Time `json:"last_chunk_uploaded_at,omitempty"`
}

// Terminal reports whether the session reached a final state.
func (s *UploadSession) Terminal() bool {
	return s.Status != StatusUploading
}

// MarkChunks records confirmed indices and advances the upload
// counter. Progress is monotonically non-decreasing: re-confirming an
// index is a no-op.
func (s *UploadSession) MarkChunks(indices []int) {
	if s.ChunksReceived == nil {
		s.ChunksReceived = make(map[int]bool)
	}
	now := time.Now().UTC()
	for _, idx := range indices {
		if !s.ChunksReceived[idx] {
			s.ChunksReceived[idx] = true
			s.ChunksUploadedToLedger++
		}
	}
	s.LastChunkUploadedAt = &now
}

// receivedIndices returns the confirmed set as a sorted slice for
// serialization.
func (s *UploadSession) receivedIndices() []int {
	out := make([]int, 0, len(s.ChunksReceived))
	for idx := range s.ChunksReceived {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Progress describes upload progress for status responses.
type Progress struct {
	ChunksUploaded  int     `json:"chunks_uploaded"`
	TotalChunks     int     `json:"total_chunks"`
	Percentage      float64 `json:"percentage"`
	RemainingChunks int     `json:"remaining_chunks"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`

	// EstimatedRemainingSeconds uses average time per confirmed chunk;
	// omitted until at least one chunk has landed.
	EstimatedRemainingSeconds *float64 `json:"estimated_remaining_seconds,omitempty"`
	LastChunkUploadedAt       *time.Time `json:"last_chunk_uploaded_at,omitempty"`
}

// Progress computes the progress object for this session.
func (s *UploadSession) Progress() Progress {
	p := Progress{
		ChunksUploaded:      s.ChunksUploadedToLedger,
		TotalChunks:         s.TotalChunks,
		RemainingChunks:     s.TotalChunks - s.ChunksUploadedToLedger,
		ElapsedSeconds:      time.Since(s.StartedAt).Seconds(),
		LastChunkUploadedAt: s.LastChunkUploadedAt,
	}
	if s.TotalChunks > 0 {
		p.Percentage = float64(s.ChunksUploadedToLedger) / float64(s.TotalChunks) * 100
	}
	if s.ChunksUploadedToLedger > 0 && p.RemainingChunks > 0 {
		avg := p.ElapsedSeconds / float64(s.ChunksUploadedToLedger)
		estimate := avg * float64(p.RemainingChunks)
		p.EstimatedRemainingSeconds = &estimate
	}
	return p
}
