package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWrapSetsRequestID(t *testing.T) {
	var seen string
	h := Wrap(testLogger(), "crewflowd", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))
	if got := rec.Header().Get("X-Request-Id"); !strings.HasPrefix(got, "crewflowd-") || got != seen {
		t.Fatalf("X-Request-Id=%q, context=%q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", "rid-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
}

func TestWrapRecoversPanic(t *testing.T) {
	h := Wrap(testLogger(), "crewflowd", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}

func TestReadyzWithChecks(t *testing.T) {
	ok := ReadinessCheck{Name: "db", Check: func(context.Context) error { return nil }}
	bad := ReadinessCheck{Name: "bucket", Check: func(context.Context) error { return errors.New("missing") }}

	rec := httptest.NewRecorder()
	ReadyzWithChecks("crewflowd", ok)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	ReadyzWithChecks("crewflowd", ok, bad)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "not_ready" || len(body.Checks) != 2 || body.Checks[1].Error != "missing" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CREWFLOW_HTTP_ADDR", ":9999")
	t.Setenv("CREWFLOW_SHUTDOWN_TIMEOUT", "3s")
	cfg, err := ConfigFromEnv("crewflowd")
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Addr != ":9999" || cfg.ShutdownTimeout.Seconds() != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := ConfigFromEnv(""); err == nil {
		t.Fatalf("expected error for empty service")
	}
}
