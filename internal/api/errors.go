// Package api provides the HTTP surface of the live-session service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/livestage/internal/middleware"
	"github.com/onnwee/livestage/internal/stream"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the actor may not perform the action.
	ErrCodeForbidden = "forbidden"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	ErrCodeCoHostSlotOccupied     = "cohost_slot_occupied"
	ErrCodePresenterSlotOccupied  = "presenter_slot_occupied"
	ErrCodeNoPendingInvitation    = "no_pending_invitation"
	ErrCodeConcurrentModification = "concurrent_modification"
	ErrCodeSessionEnded           = "session_ended"
	ErrCodeSessionLocked          = "session_locked"
	ErrCodeSessionAlreadyLive     = "session_already_live"
	ErrCodeNotParticipant         = "not_participant"
	ErrCodeTransportUnavailable   = "transport_unavailable"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Holder names who occupies the co-host or presenter slot on slot conflicts.
	Holder string `json:"holder,omitempty"`
}

// WriteError writes a standardized JSON error response.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The code is recorded on the context and pushed to the logging middleware,
// so callers do not need to call middleware.SetErrorCode first.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	writeErrorDetail(w, ctx, status, ErrorDetail{Code: code, Message: message})
}

func writeErrorDetail(w http.ResponseWriter, ctx context.Context, status int, detail ErrorDetail) {
	ctx = middleware.SetErrorCode(ctx, detail.Code)
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{Error: detail})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the HTTP status code for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound, ErrCodeNotParticipant:
		return http.StatusNotFound
	case ErrCodeConflict,
		ErrCodeCoHostSlotOccupied,
		ErrCodePresenterSlotOccupied,
		ErrCodeNoPendingInvitation,
		ErrCodeConcurrentModification,
		ErrCodeSessionLocked,
		ErrCodeSessionAlreadyLive:
		return http.StatusConflict
	case ErrCodeSessionEnded:
		return http.StatusGone
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeTransportUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// streamErrorCode classifies an error returned by the coordinator.
func streamErrorCode(err error) string {
	switch {
	case errors.Is(err, stream.ErrNotHost), errors.Is(err, stream.ErrNotAuthorizedActor):
		return ErrCodeForbidden
	case errors.Is(err, stream.ErrCoHostSlotOccupied):
		return ErrCodeCoHostSlotOccupied
	case errors.Is(err, stream.ErrPresenterSlotOccupied):
		return ErrCodePresenterSlotOccupied
	case errors.Is(err, stream.ErrNoPendingInvitation):
		return ErrCodeNoPendingInvitation
	case errors.Is(err, stream.ErrConcurrentModification):
		return ErrCodeConcurrentModification
	case errors.Is(err, stream.ErrSessionEnded):
		return ErrCodeSessionEnded
	case errors.Is(err, stream.ErrSessionLocked):
		return ErrCodeSessionLocked
	case errors.Is(err, stream.ErrSessionAlreadyLive):
		return ErrCodeSessionAlreadyLive
	case errors.Is(err, stream.ErrStreamNotFound):
		return ErrCodeNotFound
	case errors.Is(err, stream.ErrNotParticipant):
		return ErrCodeNotParticipant
	case errors.Is(err, stream.ErrHostCannotLeave):
		return ErrCodeConflict
	case errors.Is(err, stream.ErrInvalidStreamKind), errors.Is(err, stream.ErrRoomRequired):
		return ErrCodeValidation
	case errors.Is(err, stream.ErrTransportUnavailable):
		return ErrCodeTransportUnavailable
	default:
		return ErrCodeInternal
	}
}

// WriteStreamError maps a coordinator error onto the error envelope.
// Slot errors also report the holder; internal errors are logged and
// replaced with a generic message.
func WriteStreamError(w http.ResponseWriter, ctx context.Context, err error) {
	code := streamErrorCode(err)
	status := StatusCodeMapping(code)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "stream request failed", "error", err, "error_code", code)
		message = "Internal server error"
		if code == ErrCodeTransportUnavailable {
			message = "Session store temporarily unavailable"
		}
	}
	detail := ErrorDetail{Code: code, Message: message}
	if holder, ok := stream.SlotHolder(err); ok {
		detail.Holder = holder
	}
	writeErrorDetail(w, ctx, status, detail)
}
