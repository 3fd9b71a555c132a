package api

import (
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/m00npl/filedb/pkg/fserr"
	"github.com/m00npl/filedb/pkg/ingest"
	"github.com/m00npl/filedb/pkg/session"
)

// multipartMemory bounds how much of the upload form stays in memory
// before spilling to temp files.
const multipartMemory = 32 << 20

// maxOwnerLength bounds the optional owner form field.
const maxOwnerLength = 100

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// Upload handles POST /files: multipart admission into the ingestion
// pipeline. Returns as soon as the upload is admitted; persistence is
// tracked through the status endpoints.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	// Size is enforced again at admission; the reader guard keeps a
	// hostile client from streaming past the limit first.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartMemory)

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		// No key means no dedup: every attempt is its own session.
		idempotencyKey = uuid.NewString()
	} else if !idempotencyKeyPattern.MatchString(idempotencyKey) {
		writeError(w, fserr.New(fserr.CodeValidation,
			"Idempotency-Key must be 8-128 characters of [A-Za-z0-9_-]"))
		return
	}

	btlDays := 0
	if raw := r.Header.Get("BTL-Days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, fserr.New(fserr.CodeValidation, "BTL-Days must be a positive integer"))
			return
		}
		btlDays = parsed
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, multipartError(err))
		return
	}

	owner := r.FormValue("owner")
	if len(owner) > maxOwnerLength {
		writeError(w, fserr.Newf(fserr.CodeValidation, "owner exceeds %d characters", maxOwnerLength))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fserr.New(fserr.CodeValidation, "multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		writeError(w, multipartError(err))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	fileID, err := h.ingest.InitiateUpload(r.Context(), ingest.UploadRequest{
		Payload:        payload,
		Filename:       header.Filename,
		ContentType:    contentType,
		Owner:          owner,
		UserID:         userID(r.Context()),
		IdempotencyKey: idempotencyKey,
		BTLDays:        btlDays,
		QuotaBypassKey: bypassKey(r.Context()),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"file_id": fileID,
		"message": "Upload successful",
	})
}

func multipartError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fserr.Newf(fserr.CodeTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
	}
	return fserr.Wrap(fserr.CodeValidation, "malformed multipart request", err)
}

// Download handles GET /files/{id}: reassembled bytes with the stored
// content type.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")

	file, err := h.retrieve.GetFile(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", file.Metadata.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(file.Metadata.TotalSize, 10))
	w.Header().Set("X-File-Extension", file.Metadata.FileExtension)
	w.Header().Set("X-Upload-Date", file.Metadata.CreatedAt.UTC().Format(time.RFC3339))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(file.Bytes); err != nil {
		// Headers are gone; nothing useful can be sent anymore.
		return
	}
}

// Info handles GET /files/{id}/info: the descriptor plus the ledger
// keys backing it.
func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")

	meta, err := h.retrieve.GetMetadata(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{
		"file_id":           meta.FileID,
		"original_filename": meta.OriginalFilename,
		"content_type":      meta.ContentType,
		"file_extension":    meta.FileExtension,
		"total_size":        meta.TotalSize,
		"chunk_count":       meta.ChunkCount,
		"checksum":          meta.Checksum,
		"created_at":        meta.CreatedAt.UTC().Format(time.RFC3339),
		"btl_days":          meta.BTLDays,
		"expiration_block":  meta.ExpirationBlock,
		"expires_at":        meta.CreatedAt.Add(time.Duration(meta.BTLDays) * 24 * time.Hour).UTC().Format(time.RFC3339),
	}
	if meta.Owner != "" {
		body["owner"] = meta.Owner
	}

	// Entity keys are cache-resolved; a miss here must not fail /info.
	if index, err := h.retrieve.GetEntityKeys(r.Context(), fileID); err == nil {
		body["metadata_entity_key"] = index.MetadataKey
		body["chunk_entity_keys"] = index.ChunkKeys
		body["total_blockchain_entities"] = index.TotalEntities()
	}

	writeJSON(w, http.StatusOK, body)
}

// Entities handles GET /files/{id}/entities.
func (h *Handlers) Entities(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")

	index, err := h.retrieve.GetEntityKeys(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{
		"chunk_entity_keys": index.ChunkKeys,
		"total_entities":    index.TotalEntities(),
	}
	if index.MetadataKey != "" {
		body["metadata_entity_key"] = index.MetadataKey
	}
	writeJSON(w, http.StatusOK, body)
}

// StatusByFileID handles GET /files/{id}/status.
func (h *Handlers) StatusByFileID(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.GetByFileID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.touchSession(r, s)
	writeJSON(w, http.StatusOK, statusBody(s))
}

// StatusByIdempotencyKey handles GET /status/{idempotency_key}.
func (h *Handlers) StatusByIdempotencyKey(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.Context(), chi.URLParam(r, "idempotency_key"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.touchSession(r, s)
	writeJSON(w, http.StatusOK, statusBody(s))
}

// touchSession refreshes the TTL of a session still in flight so it
// cannot expire while a client is actively polling it.
func (h *Handlers) touchSession(r *http.Request, s *session.UploadSession) {
	if s.Terminal() {
		return
	}
	_ = h.sessions.ExtendTTL(r.Context(), s.IdempotencyKey)
}

func statusBody(s *session.UploadSession) map[string]any {
	body := map[string]any{
		"file_id":    s.FileID,
		"status":     strings.ToLower(string(s.Status)),
		"completed":  s.Completed,
		"progress":   s.Progress(),
		"started_at": s.StartedAt.UTC().Format(time.RFC3339),
	}
	if s.Error != "" {
		body["error"] = s.Error
	}
	return body
}
