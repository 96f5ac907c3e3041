package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/livestage/internal/middleware"
	"github.com/onnwee/livestage/internal/stream"
)

func TestWriteError_BasicFields(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, context.Background(), http.StatusNotFound, ErrCodeNotFound, "Stream session not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type to contain application/json, got %s", ct)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response body: %v, body: %s", err, w.Body.String())
	}
	if resp.Error.Code != ErrCodeNotFound {
		t.Errorf("expected error code %s, got %s", ErrCodeNotFound, resp.Error.Code)
	}
	if resp.Error.Message != "Stream session not found" {
		t.Errorf("unexpected message %q", resp.Error.Message)
	}
}

func TestErrorResponse_JSONStructure(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, context.Background(), http.StatusBadRequest, ErrCodeValidation, "stream_kind is invalid")

	var response map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(response) != 1 {
		t.Errorf("expected 1 top-level key, got %d: %v", len(response), response)
	}
	errorObj, ok := response["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected 'error' to be an object, got %T", response["error"])
	}
	if len(errorObj) != 2 {
		t.Errorf("expected 2 fields in error object, got %d: %v", len(errorObj), errorObj)
	}
}

func TestWriteError_LoggedWithErrorCode(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := middleware.RequestID(
		middleware.Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, r.Context(), http.StatusGone, ErrCodeSessionEnded, "stream session has ended")
		})),
	)

	req := httptest.NewRequest(http.MethodPost, "/streams/s1/join", nil)
	req.Header.Set("X-Request-ID", "test-req-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusGone {
		t.Fatalf("expected status 410, got %d", w.Code)
	}

	var entry struct {
		Level     string `json:"level"`
		RequestID string `json:"request_id"`
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v, log: %s", err, buf.String())
	}
	if entry.Level != "WARN" {
		t.Errorf("expected log level WARN for 4xx, got %s", entry.Level)
	}
	if entry.RequestID != "test-req-123" {
		t.Errorf("expected request_id test-req-123 in logs, got %s", entry.RequestID)
	}
	if entry.ErrorCode != ErrCodeSessionEnded {
		t.Errorf("expected error_code %s in logs, got %s", ErrCodeSessionEnded, entry.ErrorCode)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		code       string
		wantStatus int
	}{
		{ErrCodeValidation, http.StatusBadRequest},
		{ErrCodeBadRequest, http.StatusBadRequest},
		{ErrCodeAuthFailed, http.StatusUnauthorized},
		{ErrCodeForbidden, http.StatusForbidden},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeNotParticipant, http.StatusNotFound},
		{ErrCodeCoHostSlotOccupied, http.StatusConflict},
		{ErrCodePresenterSlotOccupied, http.StatusConflict},
		{ErrCodeNoPendingInvitation, http.StatusConflict},
		{ErrCodeConcurrentModification, http.StatusConflict},
		{ErrCodeSessionLocked, http.StatusConflict},
		{ErrCodeSessionAlreadyLive, http.StatusConflict},
		{ErrCodeSessionEnded, http.StatusGone},
		{ErrCodeRateLimited, http.StatusTooManyRequests},
		{ErrCodeTransportUnavailable, http.StatusServiceUnavailable},
		{ErrCodeInternal, http.StatusInternalServerError},
		{"unknown_code", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := StatusCodeMapping(tt.code); got != tt.wantStatus {
				t.Errorf("StatusCodeMapping(%s) = %d, want %d", tt.code, got, tt.wantStatus)
			}
		})
	}
}

func TestWriteStreamError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{"not host", stream.ErrNotHost, http.StatusForbidden, ErrCodeForbidden, ""},
		{"not authorized", fmt.Errorf("remove: %w", stream.ErrNotAuthorizedActor), http.StatusForbidden, ErrCodeForbidden, ""},
		{
			name:        "cohost slot names holder",
			err:         &stream.SlotOccupiedError{Slot: stream.ErrCoHostSlotOccupied, Holder: "alice"},
			wantStatus:  http.StatusConflict,
			wantCode:    ErrCodeCoHostSlotOccupied,
			wantMessage: "alice",
		},
		{
			name:        "presenter slot names holder",
			err:         &stream.SlotOccupiedError{Slot: stream.ErrPresenterSlotOccupied, Holder: "bob"},
			wantStatus:  http.StatusConflict,
			wantCode:    ErrCodePresenterSlotOccupied,
			wantMessage: "bob",
		},
		{"no pending invitation", stream.ErrNoPendingInvitation, http.StatusConflict, ErrCodeNoPendingInvitation, ""},
		{"conflict", stream.ErrConcurrentModification, http.StatusConflict, ErrCodeConcurrentModification, ""},
		{"ended", stream.ErrSessionEnded, http.StatusGone, ErrCodeSessionEnded, ""},
		{"locked", stream.ErrSessionLocked, http.StatusConflict, ErrCodeSessionLocked, ""},
		{"already live", stream.ErrSessionAlreadyLive, http.StatusConflict, ErrCodeSessionAlreadyLive, ""},
		{"not found", stream.ErrStreamNotFound, http.StatusNotFound, ErrCodeNotFound, ""},
		{"host cannot leave", stream.ErrHostCannotLeave, http.StatusConflict, ErrCodeConflict, ""},
		{"invalid kind", stream.ErrInvalidStreamKind, http.StatusBadRequest, ErrCodeValidation, ""},
		{
			name:        "transport hides cause",
			err:         fmt.Errorf("%w: dial tcp 10.0.0.5:5432", stream.ErrTransportUnavailable),
			wantStatus:  http.StatusServiceUnavailable,
			wantCode:    ErrCodeTransportUnavailable,
			wantMessage: "temporarily unavailable",
		},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteStreamError(w, context.Background(), tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", resp.Error.Code, tt.wantCode)
			}
			if tt.wantMessage != "" && !strings.Contains(resp.Error.Message, tt.wantMessage) {
				t.Errorf("message = %q, want it to contain %q", resp.Error.Message, tt.wantMessage)
			}
			wantHolder, _ := stream.SlotHolder(tt.err)
			if resp.Error.Holder != wantHolder {
				t.Errorf("holder = %q, want %q", resp.Error.Holder, wantHolder)
			}
			if strings.Contains(resp.Error.Message, "10.0.0.5") {
				t.Errorf("message leaks transport detail: %q", resp.Error.Message)
			}
		})
	}
}
