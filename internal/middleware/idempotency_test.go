package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/onnwee/livestage/internal/idempotency"
)

var startLiveRoutes = map[string]bool{"/streams": true}

// countingHandler creates a new session id on every call.
func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"id":"s%d"}`, n)
	})
}

func postStreams(handler http.Handler, actor, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/streams", strings.NewReader(`{"room_id":"r1"}`))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	if actor != "" {
		req = req.WithContext(SetActorID(req.Context(), actor))
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestIdempotency_ReplaysResponse(t *testing.T) {
	var calls atomic.Int32
	handler := Idempotency(idempotency.NewInMemoryRepository(), startLiveRoutes)(countingHandler(&calls, http.StatusCreated))

	first := postStreams(handler, "host-1", "start-1")
	second := postStreams(handler, "host-1", "start-1")

	if calls.Load() != 1 {
		t.Fatalf("handler called %d times, want 1", calls.Load())
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Errorf("replay = %d %s, want %d %s", second.Code, second.Body, first.Code, first.Body)
	}
	if second.Header().Get(IdempotentReplayHeader) != "true" {
		t.Error("replayed response missing header")
	}
}

func TestIdempotency_Scoping(t *testing.T) {
	var calls atomic.Int32
	handler := Idempotency(idempotency.NewInMemoryRepository(), startLiveRoutes)(countingHandler(&calls, http.StatusCreated))

	a := postStreams(handler, "host-1", "same-key")
	b := postStreams(handler, "host-2", "same-key")
	if calls.Load() != 2 || a.Body.String() == b.Body.String() {
		t.Errorf("keys leaked across actors: calls=%d a=%s b=%s", calls.Load(), a.Body, b.Body)
	}
}

func TestIdempotency_PassThrough(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		key    string
	}{
		{"no key", http.MethodPost, "/streams", ""},
		{"other route", http.MethodPost, "/streams/s1/join", "k"},
		{"not a POST", http.MethodGet, "/streams", "k"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			handler := Idempotency(idempotency.NewInMemoryRepository(), startLiveRoutes)(countingHandler(&calls, http.StatusOK))
			for i := 0; i < 2; i++ {
				req := httptest.NewRequest(tt.method, tt.path, nil)
				if tt.key != "" {
					req.Header.Set(IdempotencyKeyHeader, tt.key)
				}
				handler.ServeHTTP(httptest.NewRecorder(), req)
			}
			if calls.Load() != 2 {
				t.Errorf("handler called %d times, want 2", calls.Load())
			}
		})
	}
}

func TestIdempotency_FailuresNotStored(t *testing.T) {
	var calls atomic.Int32
	handler := Idempotency(idempotency.NewInMemoryRepository(), startLiveRoutes)(countingHandler(&calls, http.StatusConflict))

	postStreams(handler, "host-1", "k")
	postStreams(handler, "host-1", "k")
	if calls.Load() != 2 {
		t.Errorf("handler called %d times, want 2 (errors are not replayed)", calls.Load())
	}
}

func TestIdempotency_KeyTooLong(t *testing.T) {
	var calls atomic.Int32
	handler := Idempotency(idempotency.NewInMemoryRepository(), startLiveRoutes)(countingHandler(&calls, http.StatusCreated))

	rr := postStreams(handler, "host-1", strings.Repeat("a", idempotency.MaxKeyLength+1))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "idempotency_key_too_long") {
		t.Errorf("body = %s", rr.Body.String())
	}
	if calls.Load() != 0 {
		t.Error("handler should not run")
	}
}

type brokenRepo struct{ idempotency.Repository }

func (brokenRepo) Get(context.Context, string) (*idempotency.Record, error) {
	return nil, fmt.Errorf("connection refused")
}

func TestIdempotency_StoreUnavailable(t *testing.T) {
	var calls atomic.Int32
	handler := Idempotency(brokenRepo{}, startLiveRoutes)(countingHandler(&calls, http.StatusCreated))

	if rr := postStreams(handler, "host-1", "k"); rr.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rr.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}
}
