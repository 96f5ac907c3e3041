package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/livestage/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader is set on responses served from the store.
const IdempotentReplayHeader = "Idempotent-Replayed"

// idempotencyResponseWriter captures the status and body for storage.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Idempotency replays the stored response for POST requests that repeat an
// Idempotency-Key on one of routes (normalized patterns, see normalizePath).
// Requests without the header pass through. Keys are scoped to the acting
// participant, so RequireAuth must run first. Only 2xx responses are stored.
func Idempotency(repo idempotency.Repository, routes map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			route := normalizePath(r.URL.Path)
			if key == "" || r.Method != http.MethodPost || !routes[route] {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			if err := idempotency.ValidateKey(key); err != nil {
				code := "invalid_idempotency_key"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code = "idempotency_key_too_long"
				}
				writeMiddlewareError(w, r, http.StatusBadRequest, code, err.Error())
				return
			}

			scoped := idempotency.ScopedKey(GetActorID(ctx), r.Method, route, key)
			existing, err := repo.Get(ctx, scoped)
			switch {
			case err == nil && existing.Verify():
				slog.InfoContext(ctx, "replaying idempotent response",
					"route", route,
					"status", existing.ResponseStatusCode,
				)
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set(IdempotentReplayHeader, "true")
				w.WriteHeader(existing.ResponseStatusCode)
				_, _ = w.Write([]byte(existing.ResponseBody))
				return
			case err == nil:
				slog.WarnContext(ctx, "stored idempotent response failed hash check, re-executing", "route", route)
				next.ServeHTTP(w, r)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				slog.ErrorContext(ctx, "failed to check idempotency key", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			capture := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode < 200 || capture.statusCode >= 300 {
				return
			}
			body := capture.body.String()
			record := &idempotency.Record{
				Key:                scoped,
				ActorID:            GetActorID(ctx),
				Method:             r.Method,
				Route:              route,
				ResponseHash:       idempotency.ComputeResponseHash(body),
				ResponseBody:       body,
				ResponseStatusCode: capture.statusCode,
			}
			if err := repo.Store(ctx, record); err != nil && !errors.Is(err, idempotency.ErrKeyExists) {
				slog.ErrorContext(ctx, "failed to store idempotency key", "error", err)
			}
		})
	}
}

// writeMiddlewareError writes the API error envelope from inside this package.
func writeMiddlewareError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(r.Context(), code))
	body, _ := json.Marshal(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
