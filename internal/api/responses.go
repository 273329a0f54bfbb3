package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snarg/voicecoach/internal/analysis"
	"github.com/snarg/voicecoach/internal/capture"
	"github.com/snarg/voicecoach/internal/pending"
	"github.com/snarg/voicecoach/internal/recording"
	"github.com/snarg/voicecoach/internal/storage"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteErrorDetail writes a JSON error response with detail.
func WriteErrorDetail(w http.ResponseWriter, status int, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// errorStatus maps core errors to HTTP statuses and a short code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "device_unavailable"
	case errors.Is(err, capture.ErrDeviceBusy):
		return http.StatusConflict, "device_busy"
	case errors.Is(err, recording.ErrSessionActive):
		return http.StatusConflict, "session_active"
	case errors.Is(err, recording.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, recording.ErrRecordingTooShort):
		return http.StatusUnprocessableEntity, "recording_too_short"
	case errors.Is(err, recording.ErrBlobRevoked):
		return http.StatusGone, "blob_revoked"
	case errors.Is(err, recording.ErrSessionClosed), errors.Is(err, pending.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, analysis.ErrSubmissionFailed):
		return http.StatusBadGateway, "submission_failed"
	case errors.Is(err, analysis.ErrAnalysisFailed):
		return http.StatusBadGateway, "analysis_failed"
	case errors.Is(err, analysis.ErrTimeout):
		return http.StatusGatewayTimeout, "analysis_timeout"
	case errors.Is(err, analysis.ErrUnknownJob), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, analysis.ErrPollBusy), errors.Is(err, analysis.ErrNotRetryable),
		errors.Is(err, analysis.ErrSequenceFinished):
		return http.StatusConflict, "conflict"
	case errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest, "invalid_key"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteCoreError writes err with the status its sentinel maps to.
func WriteCoreError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	WriteErrorDetail(w, status, code, err.Error())
}

// QueryInt extracts an integer query parameter. Returns 0, false if missing or invalid.
func QueryInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// QueryStringList extracts a comma-separated list of strings from a query param.
func QueryStringList(r *http.Request, name string) []string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// DecodeJSON reads and decodes a JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("missing request body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// extendWrite lifts the server write timeout for long-lived responses. Not
// every writer in the middleware chain supports it; streams then end at the
// timeout and clients reconnect.
func extendWrite(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}
