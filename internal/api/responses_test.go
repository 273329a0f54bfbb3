package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/snarg/voicecoach/internal/analysis"
	"github.com/snarg/voicecoach/internal/capture"
	"github.com/snarg/voicecoach/internal/recording"
	"github.com/snarg/voicecoach/internal/storage"
)

// ── QueryInt ─────────────────────────────────────────────────────────

func TestQueryInt(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/?n=42", nil)
		v, ok := QueryInt(req, "n")
		if !ok || v != 42 {
			t.Errorf("got (%d, %v), want (42, true)", v, ok)
		}
	})
	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		_, ok := QueryInt(req, "n")
		if ok {
			t.Error("expected ok=false for missing param")
		}
	})
	t.Run("non_numeric", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/?n=abc", nil)
		_, ok := QueryInt(req, "n")
		if ok {
			t.Error("expected ok=false for non-numeric param")
		}
	})
}

// ── QueryStringList ──────────────────────────────────────────────────

func TestQueryStringList(t *testing.T) {
	req := httptest.NewRequest("GET", "/?types=a,%20b,,c", nil)
	got := QueryStringList(req, "types")
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("got %v, want [a b c]", got)
	}
	if QueryStringList(req, "missing") != nil {
		t.Error("expected nil for missing param")
	}
}

// ── errorStatus ──────────────────────────────────────────────────────

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{capture.ErrPermissionDenied, http.StatusForbidden},
		{capture.ErrDeviceUnavailable, http.StatusServiceUnavailable},
		{capture.ErrDeviceBusy, http.StatusConflict},
		{recording.ErrSessionActive, http.StatusConflict},
		{fmt.Errorf("%w: stop from idle", recording.ErrInvalidTransition), http.StatusConflict},
		{recording.ErrRecordingTooShort, http.StatusUnprocessableEntity},
		{recording.ErrBlobRevoked, http.StatusGone},
		{fmt.Errorf("%w: 500", analysis.ErrSubmissionFailed), http.StatusBadGateway},
		{fmt.Errorf("job-1: %w", analysis.ErrAnalysisFailed), http.StatusBadGateway},
		{fmt.Errorf("job-1: %w", analysis.ErrTimeout), http.StatusGatewayTimeout},
		{analysis.ErrUnknownJob, http.StatusNotFound},
		{storage.ErrNotFound, http.StatusNotFound},
		{storage.ErrInvalidKey, http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got, _ := errorStatus(tt.err); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

// ── WriteJSON ────────────────────────────────────────────────────────

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"msg": "ok"})

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if body["msg"] != "ok" {
		t.Errorf("body = %v, want msg=ok", body)
	}
}

// ── WriteError ───────────────────────────────────────────────────────

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "bad input")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if body.Error != "bad input" {
		t.Errorf("Error = %q, want %q", body.Error, "bad input")
	}
}

// ── DecodeJSON ───────────────────────────────────────────────────────

func TestDecodeJSON(t *testing.T) {
	t.Run("valid_body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"test"}`))
		var dst struct {
			Name string `json:"name"`
		}
		if err := DecodeJSON(req, &dst); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dst.Name != "test" {
			t.Errorf("Name = %q, want %q", dst.Name, "test")
		}
	})
	t.Run("nil_body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", nil)
		req.Body = nil
		var dst struct{}
		if err := DecodeJSON(req, &dst); err == nil {
			t.Error("expected error for nil body")
		}
	})
	t.Run("malformed_json", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{bad`))
		var dst struct{}
		if err := DecodeJSON(req, &dst); err == nil {
			t.Error("expected error for malformed JSON")
		}
	})
}

// ── WriteErrorDetail ─────────────────────────────────────────────────

func TestWriteErrorDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorDetail(rec, http.StatusUnprocessableEntity, "validation failed", "name is required")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if body.Error != "validation failed" {
		t.Errorf("Error = %q, want %q", body.Error, "validation failed")
	}
	if body.Detail != "name is required" {
		t.Errorf("Detail = %q, want %q", body.Detail, "name is required")
	}
}
