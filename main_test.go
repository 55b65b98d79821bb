package main

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLoggingMiddleware_RecordsStatusAndFlushes(t *testing.T) {
	var out bytes.Buffer
	logger := log.New(&out, "", 0)
	handler := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatalf("status writer must expose http.Flusher")
		}
		w.WriteHeader(http.StatusAccepted)
		flusher.Flush()
	}), logger)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/devices/dev1", nil))
	if !rec.Flushed {
		t.Fatalf("expected flush to reach the underlying writer")
	}
	if !strings.Contains(out.String(), "http POST /api/devices/dev1 202") {
		t.Fatalf("unexpected access log %q", out.String())
	}
}
