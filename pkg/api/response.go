package api

import (
	"encoding/json"
	"net/http"

	"github.com/m00npl/filedb/internal/logger"
	"github.com/m00npl/filedb/pkg/fserr"
)

// errorBody is the wire shape of every error response. Internal error
// chains never leave the process; clients get the stable code plus a
// client-safe message.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := fserr.CodeOf(err)
	writeJSON(w, fserr.HTTPStatus(code), errorBody{
		Code:    string(code),
		Message: fserr.MessageOf(err),
	})
}
