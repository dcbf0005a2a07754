package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coretask/boardqueue/internal/store"
	"github.com/coretask/boardqueue/internal/tasksvc"
)

// ErrRateLimited is surfaced by the rate limit middleware's 429 path; it
// has no dedicated handler branch since the middleware writes the
// response itself, but it completes the sentinel-error taxonomy named in
// SPEC_FULL's ambient stack section.
var ErrRateLimited = errors.New("gateway: rate limited")

// writeError maps the service-layer sentinel taxonomy onto HTTP status
// codes (spec.md §7), without ever leaking the underlying SQLite driver
// error to the client.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, tasksvc.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, tasksvc.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Error("gateway: unhandled error", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("gateway: malformed request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
