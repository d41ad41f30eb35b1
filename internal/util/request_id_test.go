package util

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestIDEchoesCallerID(t *testing.T) {
	const supplied = "corr-7f3a"
	var seenID string
	var seenLogger *slog.Logger
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestIDFromRequest(r)
		seenLogger = LoggerFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	req.Header.Set(HeaderRequestID, supplied)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seenID != supplied {
		t.Fatalf("context id = %q, want %q", seenID, supplied)
	}
	if got := rec.Header().Get(HeaderRequestID); got != supplied {
		t.Fatalf("response header = %q, want %q", got, supplied)
	}
	if seenLogger == slog.Default() {
		t.Fatal("context logger must be bound to the request id")
	}
}

func TestWithRequestIDMintsIDWhenAbsent(t *testing.T) {
	var seenID string
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestIDFromRequest(r)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files", nil))

	if seenID == "" {
		t.Fatal("expected a minted request id in context")
	}
	if got := rec.Header().Get(HeaderRequestID); got != seenID {
		t.Fatalf("response header %q must match the context id %q", got, seenID)
	}
}

func TestRequestIDFromContextOutsideRequest(t *testing.T) {
	if got := RequestIDFromContext(nil); got != "" {
		t.Fatalf("nil context id = %q, want empty", got)
	}
	if got := RequestIDFromRequest(nil); got != "" {
		t.Fatalf("nil request id = %q, want empty", got)
	}
}
