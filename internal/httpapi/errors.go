package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/VivifySoftIT/PoSync/modules/framesampler"
	"github.com/VivifySoftIT/PoSync/modules/posync"
	"github.com/VivifySoftIT/PoSync/modules/session"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error  string          `json:"error"`
	Kind   string          `json:"kind"`
	Result *session.Result `json:"result,omitempty"`
}

// classify maps an error to an HTTP status and a stable kind string.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrAlreadyScanning):
		return http.StatusConflict, "already_scanning"
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict, "session_closed"
	case errors.Is(err, session.ErrShutdown):
		return http.StatusServiceUnavailable, "shutdown"
	case errors.Is(err, session.ErrNoCodeFound):
		return http.StatusUnprocessableEntity, "no_code_found"
	case errors.Is(err, session.ErrNoIdentifier):
		return http.StatusUnprocessableEntity, "no_identifier"
	case errors.Is(err, posync.ErrEmptyIdentifier):
		return http.StatusBadRequest, "empty_identifier"
	case errors.Is(err, posync.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity"

	case errors.Is(err, framesampler.ErrBusy):
		return http.StatusConflict, "camera_busy"
	case errors.Is(err, framesampler.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, framesampler.ErrNoDeviceFound):
		return http.StatusNotFound, "no_device_found"
	case errors.Is(err, framesampler.ErrUnsupported):
		return http.StatusUnprocessableEntity, "unsupported"
	case errors.Is(err, framesampler.ErrDeviceError):
		return http.StatusServiceUnavailable, "device_error"

	case errors.Is(err, posync.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, posync.ErrUnauthenticated), errors.Is(err, posync.ErrMissingCredentials):
		return http.StatusBadGateway, "unauthenticated"
	case errors.Is(err, posync.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, posync.ErrServer):
		return http.StatusBadGateway, "server_error"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, res *session.Result) {
	status, kind := classify(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind, Result: res})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: "bad_request"})
}
