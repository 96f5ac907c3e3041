package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes added to every server span.
const (
	AttrRequestID = "http.request_id"
	AttrStreamID  = "stream.id"
)

// Tracing opens a server span per request, named by route pattern such as
// "POST /streams/{id}/join", and continues any W3C trace the caller sent.
// Health probes are not traced. It must run inside RequestID.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		annotated := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			if id := GetRequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String(AttrRequestID, id))
			}
			if id := streamIDOf(r.URL.Path); id != "" {
				span.SetAttributes(attribute.String(AttrStreamID, id))
			}
			next.ServeHTTP(w, r)
		})
		return otelhttp.NewHandler(annotated, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !strings.HasPrefix(r.URL.Path, "/health/")
			}),
		)
	}
}

// streamIDOf returns the session id of a /streams/{id}/... path.
func streamIDOf(path string) string {
	rest, ok := strings.CutPrefix(path, "/streams/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}

// TraceID returns the active trace id, or "" outside a sampled span.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
