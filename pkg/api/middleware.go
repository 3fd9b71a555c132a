package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/m00npl/filedb/internal/logger"
)

type contextKey string

const (
	ctxUserID    contextKey = "user_id"
	ctxBypassKey contextKey = "bypass_key"
)

// anonymousUser is the identity of requests carrying no credentials.
// Quota still applies to it as a single shared bucket.
const anonymousUser = "anonymous"

// identity extracts the caller's identity from headers verified
// upstream. The core trusts X-User-Id outright; the raw bearer token
// and the legacy X-API-Key are carried along as quota-bypass
// candidates.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			userID = anonymousUser
		}

		bypass := r.Header.Get("X-API-Key")
		if bypass == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				bypass = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxBypassKey, bypass)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userID returns the caller identity placed by the identity middleware.
func userID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxUserID).(string); ok && id != "" {
		return id
	}
	return anonymousUser
}

// bypassKey returns the quota-bypass candidate, if any.
func bypassKey(ctx context.Context) string {
	key, _ := ctx.Value(ctxBypassKey).(string)
	return key
}

// requestLogger logs request start at DEBUG and completion at INFO.
// Health and metrics probes complete at DEBUG to keep the log usable.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logFn := logger.Info
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			logFn = logger.Debug
		}
		logFn("request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}
