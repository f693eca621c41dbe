package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecovererPanicReturns500(t *testing.T) {
	var buf bytes.Buffer
	handler := Recoverer(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something went wrong")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["error"] != "internal server error" {
		t.Fatalf("expected error 'internal server error', got %v", resp["error"])
	}
}

func TestRecovererLogsStackTrace(t *testing.T) {
	var buf bytes.Buffer
	handler := Recoverer(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/crash", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var logEntry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if logEntry["msg"] != "panic recovered" {
		t.Fatalf("expected msg 'panic recovered', got %v", logEntry["msg"])
	}
	if logEntry["panic"] != "test panic" {
		t.Fatalf("expected panic 'test panic', got %v", logEntry["panic"])
	}
	if logEntry["path"] != "/api/v1/crash" {
		t.Fatalf("expected path /api/v1/crash, got %v", logEntry["path"])
	}
	stack, ok := logEntry["stack"].(string)
	if !ok || len(stack) == 0 {
		t.Fatal("expected non-empty stack trace in log output")
	}
}

func TestRecovererNoPanicPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	handler := Recoverer(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Fatalf("expected body 'ok', got %q", rr.Body.String())
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no log output, got %s", buf.String())
	}
}
