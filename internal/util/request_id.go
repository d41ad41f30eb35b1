package util

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// HeaderRequestID is the correlation header honored on ingress and echoed on
// every response.
const HeaderRequestID = "X-Request-Id"

type requestIDKey struct{}

// WithRequestID assigns each request a correlation id: the caller-supplied
// header value when present, a fresh one otherwise. The id rides in the
// request context alongside a logger pre-bound to it, so anything below the
// handler can log lines that stitch back to the request.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" {
			id = NewID()
		}
		w.Header().Set(HeaderRequestID, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = ContextWithLogger(ctx, slog.Default().With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the correlation id, or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDFromRequest is RequestIDFromContext over the request's context.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return RequestIDFromContext(r.Context())
}
