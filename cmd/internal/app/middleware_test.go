package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLogging_EmitsStatusAndPath(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), log)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d want %d", rr.Code, http.StatusTeapot)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "http.request" {
		t.Fatalf("msg=%v want http.request", entry["msg"])
	}
	if entry["path"] != "/healthz" {
		t.Fatalf("path=%v want /healthz", entry["path"])
	}
	if got, ok := entry["status"].(float64); !ok || int(got) != http.StatusTeapot {
		t.Fatalf("status=%v want %d", entry["status"], http.StatusTeapot)
	}
}

func TestWithRequestLogging_DefaultsTo200(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not JSON: %v", err)
	}
	if got, ok := entry["status"].(float64); !ok || int(got) != http.StatusOK {
		t.Fatalf("status=%v want 200", entry["status"])
	}
}

func TestLoggingResponseWriter_PreservesOptionalInterfaces(t *testing.T) {
	t.Parallel()

	// WebSocket upgrades require the wrapper to still expose Hijacker.
	var w http.ResponseWriter = &loggingResponseWriter{ResponseWriter: httptest.NewRecorder()}

	if _, ok := w.(http.Flusher); !ok {
		t.Fatalf("wrapper lost http.Flusher")
	}
	if _, ok := w.(http.Hijacker); !ok {
		t.Fatalf("wrapper lost http.Hijacker")
	}
	if rs, ok := w.(interface{ Unwrap() http.ResponseWriter }); !ok || rs.Unwrap() == nil {
		t.Fatalf("wrapper lost Unwrap")
	}
}
