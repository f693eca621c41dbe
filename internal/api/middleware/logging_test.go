package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestStructuredLoggerDefaultStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls/abc", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if logEntry["level"] != "INFO" {
		t.Fatalf("expected level INFO, got %v", logEntry["level"])
	}
	if logEntry["method"] != "GET" {
		t.Fatalf("expected method GET, got %v", logEntry["method"])
	}
	if logEntry["path"] != "/api/v1/calls/abc" {
		t.Fatalf("expected path /api/v1/calls/abc, got %v", logEntry["path"])
	}
	// JSON numbers decode as float64.
	if logEntry["status"] != float64(200) {
		t.Fatalf("expected status 200, got %v", logEntry["status"])
	}
	if _, ok := logEntry["duration_ms"]; !ok {
		t.Fatal("expected duration_ms in log output")
	}
}

func TestStructuredLoggerExplicitStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/missing", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if logEntry["method"] != "POST" {
		t.Fatalf("expected method POST, got %v", logEntry["method"])
	}
	if logEntry["status"] != float64(404) {
		t.Fatalf("expected status 404, got %v", logEntry["status"])
	}
}

func TestStructuredLoggerScrapesAtDebug(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if logEntry["level"] != "DEBUG" {
		t.Fatalf("expected level DEBUG, got %v", logEntry["level"])
	}
}

func TestStructuredLoggerDoubleWriteHeader(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError) // Should be ignored.
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if logEntry["status"] != float64(201) {
		t.Fatalf("expected first status 201, got %v", logEntry["status"])
	}
}

func TestWrapResponseWriterCapturesStatus(t *testing.T) {
	w := newWrapResponseWriter(httptest.NewRecorder())
	if w.status != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", w.status)
	}
	w.WriteHeader(http.StatusBadRequest)
	if w.status != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.status)
	}
}
