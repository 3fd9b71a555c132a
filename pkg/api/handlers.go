package api

import (
	"net/http"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-chi/chi/v5"

	"github.com/m00npl/filedb/pkg/chunker"
	"github.com/m00npl/filedb/pkg/ingest"
	"github.com/m00npl/filedb/pkg/ledger/pool"
	"github.com/m00npl/filedb/pkg/query"
	"github.com/m00npl/filedb/pkg/quota"
	"github.com/m00npl/filedb/pkg/retrieve"
	"github.com/m00npl/filedb/pkg/session"
)

// Handlers carries every request handler's collaborators.
type Handlers struct {
	ingest   *ingest.Pipeline
	retrieve *retrieve.Service
	query    *query.Service
	sessions *session.Store
	quota    *quota.Accountant
	pool     *pool.Pool

	// cacheDB is the shared badger instance, reported by /health.
	// Nil means memory-only caches.
	cacheDB *badger.DB

	maxFileSize int64
	startTime   time.Time
}

// NewHandlers wires the handler set.
func NewHandlers(
	ing *ingest.Pipeline,
	ret *retrieve.Service,
	qry *query.Service,
	sessions *session.Store,
	accountant *quota.Accountant,
	p *pool.Pool,
	cacheDB *badger.DB,
	maxFileSize int64,
) *Handlers {
	return &Handlers{
		ingest:      ing,
		retrieve:    ret,
		query:       qry,
		sessions:    sessions,
		quota:       accountant,
		pool:        p,
		cacheDB:     cacheDB,
		maxFileSize: maxFileSize,
		startTime:   time.Now(),
	}
}

// fileSummary is the listing shape shared by the by-owner,
// by-extension, and by-type endpoints.
type fileSummary struct {
	FileID           string `json:"file_id"`
	OriginalFilename string `json:"original_filename"`
	ContentType      string `json:"content_type"`
	FileExtension    string `json:"file_extension,omitempty"`
	TotalSize        int64  `json:"total_size"`
	CreatedAt        string `json:"created_at"`
	Owner            string `json:"owner,omitempty"`
}

func summarize(files []*chunker.FileMetadata) []fileSummary {
	out := make([]fileSummary, 0, len(files))
	for _, f := range files {
		out = append(out, fileSummary{
			FileID:           f.FileID,
			OriginalFilename: f.OriginalFilename,
			ContentType:      f.ContentType,
			FileExtension:    f.FileExtension,
			TotalSize:        f.TotalSize,
			CreatedAt:        f.CreatedAt.UTC().Format(time.RFC3339),
			Owner:            f.Owner,
		})
	}
	return out
}

// ByOwner handles GET /files/by-owner/{owner}.
func (h *Handlers) ByOwner(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	files, err := h.query.ByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner": owner,
		"count": len(files),
		"files": summarize(files),
	})
}

// ByExtension handles GET /files/by-extension/{ext}.
func (h *Handlers) ByExtension(w http.ResponseWriter, r *http.Request) {
	ext := chi.URLParam(r, "ext")
	files, err := h.query.ByExtension(r.Context(), ext)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"extension": ext,
		"count":     len(files),
		"files":     summarize(files),
	})
}

// ByContentType handles GET /files/by-type/*. The content type is the
// full remainder of the path ("text/plain" spans two segments).
func (h *Handlers) ByContentType(w http.ResponseWriter, r *http.Request) {
	ct := chi.URLParam(r, "*")
	files, err := h.query.ByContentType(r.Context(), ct)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content_type": ct,
		"count":        len(files),
		"files":        summarize(files),
	})
}

// Quota handles GET /quota for the calling identity.
func (h *Handlers) Quota(w http.ResponseWriter, r *http.Request) {
	record, maxBytes, maxUploads, err := h.quota.Usage(r.Context(), userID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	percentage := 0.0
	if maxBytes > 0 {
		percentage = float64(record.UsedBytes) / float64(maxBytes) * 100
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"used_bytes":          record.UsedBytes,
		"max_bytes":           maxBytes,
		"uploads_today":       record.UploadsToday,
		"max_uploads_per_day": maxUploads,
		"usage_percentage":    percentage,
	})
}

// Health handles GET /health. Always 200: reachability and component
// health are separate signals, so orchestrators keep routing while the
// body flags degradation.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{}
	overall := "healthy"

	if err := h.pool.HealthCheck(r.Context()); err != nil {
		services["ledger"] = "unhealthy: " + err.Error()
		overall = "degraded"
	} else {
		services["ledger"] = "healthy"
	}

	switch {
	case h.cacheDB == nil:
		services["cache"] = "memory"
	case h.cacheDB.IsClosed():
		services["cache"] = "unhealthy: closed"
		overall = "degraded"
	default:
		services["cache"] = "healthy"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
		"services":  services,
	})
}
