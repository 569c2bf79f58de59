package httpapi

import (
	"net/http"

	"github.com/bytedance/sonic"

	"hubd/internal/download"
	"hubd/internal/runtime"
	"hubd/internal/voice"
	"hubd/pkg/types"
)

// HTTPError lets lower layers carry their own status code.
type HTTPError interface {
	error
	StatusCode() int
}

// statusOf maps well-known controller errors to HTTP status codes.
// Everything unrecognized is a 500.
func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case runtime.IsCapacity(err),
		runtime.IsCategoryBusy(err),
		runtime.IsConflict(err),
		runtime.IsNotDownloaded(err),
		download.IsRemoveInProgress(err),
		voice.IsAlreadyTraining(err):
		return http.StatusConflict
	case download.IsManualSource(err):
		return http.StatusBadRequest
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	b, _ := sonic.Marshal(types.ErrorResponse{Error: msg, Code: status})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

// writeError maps err through statusOf and writes it.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusOf(err), err.Error())
}
