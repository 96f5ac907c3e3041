package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/onnwee/livestage/internal/livekit"
	"github.com/onnwee/livestage/internal/middleware"
	"github.com/onnwee/livestage/internal/stream"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 64 << 10

// Room and participant ids: alphanumeric, hyphens, underscores, colons and dots (max 128 chars).
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_:.-]{1,128}$`)

// IdempotentRoutes are the normalized routes whose POSTs honor Idempotency-Key.
var IdempotentRoutes = map[string]bool{
	"/streams":                    true,
	"/streams/{id}/cohost/invite": true,
}

// SessionCoordinator is the set of session actions exposed over HTTP.
type SessionCoordinator interface {
	StartLive(ctx context.Context, actorID, roomID string, kind stream.StreamKind) (*stream.Session, error)
	Get(ctx context.Context, id string) (*stream.Session, error)
	ActiveForRoom(ctx context.Context, roomID string) (*stream.Session, error)
	Join(ctx context.Context, id, actorID string) (*stream.Session, error)
	Leave(ctx context.Context, id, actorID string) (*stream.Session, error)
	Invite(ctx context.Context, id, actorID, targetID string) (*stream.Session, error)
	Accept(ctx context.Context, id, actorID string) (*stream.Session, error)
	Decline(ctx context.Context, id, actorID string) (*stream.Session, error)
	Remove(ctx context.Context, id, actorID, targetID string) (*stream.Session, error)
	StartShare(ctx context.Context, id, actorID string) (*stream.Session, error)
	StopShare(ctx context.Context, id, actorID string) (*stream.Session, error)
	SetLocked(ctx context.Context, id, actorID string, locked bool) (*stream.Session, error)
	EndStream(ctx context.Context, id, actorID string) (*stream.Session, error)
}

// TokenIssuer issues media tokens scoped to a participant's current stage.
type TokenIssuer interface {
	SessionToken(session *stream.Session, identity string, expiry time.Duration) (*livekit.TokenResponse, error)
}

// StreamHandlersConfig wires the stream handlers. Tokens and Feed are
// optional; their endpoints answer 503 when unset.
type StreamHandlersConfig struct {
	Coordinator SessionCoordinator
	Tokens      TokenIssuer
	Feed        stream.Feed
	Metrics     *stream.Metrics
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// StreamHandlers serves the /streams API.
type StreamHandlers struct {
	coord       SessionCoordinator
	tokens      TokenIssuer
	feed        stream.Feed
	metrics     *stream.Metrics
	checkOrigin func(r *http.Request) bool
	logger      *slog.Logger
}

// NewStreamHandlers creates a new StreamHandlers instance.
func NewStreamHandlers(cfg StreamHandlersConfig) *StreamHandlers {
	h := &StreamHandlers{
		coord:       cfg.Coordinator,
		tokens:      cfg.Tokens,
		feed:        cfg.Feed,
		metrics:     cfg.Metrics,
		checkOrigin: cfg.CheckOrigin,
		logger:      cfg.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Register mounts every /streams route on mux.
func (h *StreamHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /streams", h.StartLive)
	mux.HandleFunc("GET /streams/{id}", h.GetStream)
	mux.HandleFunc("POST /streams/{id}/end", h.EndStream)
	mux.HandleFunc("PATCH /streams/{id}/lock", h.SetLocked)
	mux.HandleFunc("POST /streams/{id}/join", h.Join)
	mux.HandleFunc("POST /streams/{id}/leave", h.Leave)
	mux.HandleFunc("POST /streams/{id}/cohost/invite", h.Invite)
	mux.HandleFunc("POST /streams/{id}/cohost/accept", h.Accept)
	mux.HandleFunc("POST /streams/{id}/cohost/decline", h.Decline)
	mux.HandleFunc("POST /streams/{id}/participants/{participant_id}/remove", h.Remove)
	mux.HandleFunc("POST /streams/{id}/screenshare/start", h.StartShare)
	mux.HandleFunc("POST /streams/{id}/screenshare/stop", h.StopShare)
	mux.HandleFunc("POST /streams/{id}/token", h.IssueToken)
	mux.HandleFunc("GET /streams/{id}/feed", h.Feed)
	mux.HandleFunc("GET /rooms/{room_id}/stream", h.RoomStream)
}

// StartLiveRequest is the body of POST /streams.
type StartLiveRequest struct {
	RoomID     string            `json:"room_id"`
	StreamKind stream.StreamKind `json:"stream_kind"`
}

// InviteRequest is the body of POST /streams/{id}/cohost/invite.
type InviteRequest struct {
	ParticipantID string `json:"participant_id"`
}

// LockRequest is the body of PATCH /streams/{id}/lock.
type LockRequest struct {
	Locked *bool `json:"locked"`
}

// RoomStreamResponse is the body of GET /rooms/{room_id}/stream.
type RoomStreamResponse struct {
	Stream         *stream.Session `json:"stream"`
	LiveForSeconds int64           `json:"live_for_seconds"`
}

// TokenRequest is the optional body of POST /streams/{id}/token.
type TokenRequest struct {
	ExpirySeconds int `json:"expiry_seconds,omitempty"`
}

// actor returns the authenticated participant or writes a 401.
func actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID := middleware.GetActorID(r.Context())
	if actorID == "" {
		WriteError(w, r.Context(), http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return "", false
	}
	return actorID, true
}

// decodeJSON reads a bounded JSON body into v. An empty body is allowed when optional.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
	return false
}

func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// writeSession answers with the full session record, or maps err.
func writeSession(w http.ResponseWriter, r *http.Request, s *stream.Session, err error) {
	if err != nil {
		WriteStreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, s)
}

// StartLive handles POST /streams. The caller becomes the host.
func (h *StreamHandlers) StartLive(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req StartLiveRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	req.RoomID = strings.TrimSpace(req.RoomID)
	if !idPattern.MatchString(req.RoomID) {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "room_id is required and may only contain letters, digits, '_', ':', '.' and '-'")
		return
	}
	if req.StreamKind == "" {
		req.StreamKind = stream.StreamKindVideoChat
	}
	if !req.StreamKind.Valid() {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "stream_kind must be one of video_chat, audio_chat, chat_only")
		return
	}

	s, err := h.coord.StartLive(r.Context(), actorID, req.RoomID, req.StreamKind)
	if err != nil {
		WriteStreamError(w, r.Context(), err)
		return
	}
	w.Header().Set("Location", "/streams/"+s.ID)
	writeJSON(w, r.Context(), http.StatusCreated, s)
}

// GetStream handles GET /streams/{id} and returns the raw session record.
func (h *StreamHandlers) GetStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	s, err := h.coord.Get(r.Context(), r.PathValue("id"))
	writeSession(w, r, s, err)
}

// RoomStream handles GET /rooms/{room_id}/stream. Clients that only know the
// room use it to find the session to join; an idle room is a 404.
func (h *StreamHandlers) RoomStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	roomID := r.PathValue("room_id")
	if !idPattern.MatchString(roomID) {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "room_id may only contain letters, digits, '_', ':', '.' and '-'")
		return
	}
	s, err := h.coord.ActiveForRoom(r.Context(), roomID)
	if err != nil {
		WriteStreamError(w, r.Context(), err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, RoomStreamResponse{
		Stream:         s,
		LiveForSeconds: int64(s.Elapsed(time.Now()) / time.Second),
	})
}

// EndStream handles POST /streams/{id}/end.
func (h *StreamHandlers) EndStream(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	s, err := h.coord.EndStream(r.Context(), r.PathValue("id"), actorID)
	writeSession(w, r, s, err)
}

// SetLocked handles PATCH /streams/{id}/lock with {"locked": bool}.
func (h *StreamHandlers) SetLocked(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req LockRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Locked == nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "locked is required")
		return
	}
	s, err := h.coord.SetLocked(r.Context(), r.PathValue("id"), actorID, *req.Locked)
	writeSession(w, r, s, err)
}

// Join handles POST /streams/{id}/join.
func (h *StreamHandlers) Join(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	s, err := h.coord.Join(r.Context(), r.PathValue("id"), actorID)
	writeSession(w, r, s, err)
}

// Leave handles POST /streams/{id}/leave.
func (h *StreamHandlers) Leave(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	s, err := h.coord.Leave(r.Context(), r.PathValue("id"), actorID)
	writeSession(w, r, s, err)
}

// Invite handles POST /streams/{id}/cohost/invite.
func (h *StreamHandlers) Invite(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	var req InviteRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if !idPattern.MatchString(req.ParticipantID) {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "participant_id is required")
		return
	}
	s, err := h.coord.Invite(r.Context(), r.PathValue("id"), actorID, req.ParticipantID)
	writeSession(w, r, s, err)
}

// Accept handles POST /streams/{id}/cohost/accept.
func (h *StreamHandlers) Accept(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	s, err := h.coord.Accept(r.Context(), r.PathValue("id"), actorID)
	writeSession(w, r, s, err)
}

// Decline handles POST /streams/{id}/cohost/decline.
func (h *StreamHandlers) Decline(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	s, err := h.coord.Decline(r.Context(), r.PathValue("id"), actorID)
	writeSession(w, r, s, err)
}

// Remove handles POST /streams/{id}/participants/{participant_id}/remove.
func (h *StreamHandlers) Remove(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	s, err := h.coord.Remove(r.Context(), r.PathValue("id"), actorID, r.PathValue("participant_id"))
	writeSession(w, r, s, err)
}

// StartShare handles POST /streams/{id}/screenshare/start.
func (h *StreamHandlers) StartShare(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	s, err := h.coord.StartShare(r.Context(), r.PathValue("id"), actorID)
	writeSession(w, r, s, err)
}

// StopShare handles POST /streams/{id}/screenshare/stop.
func (h *StreamHandlers) StopShare(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	s, err := h.coord.StopShare(r.Context(), r.PathValue("id"), actorID)
	writeSession(w, r, s, err)
}

// IssueToken handles POST /streams/{id}/token. The token's publish grants
// follow the caller's current stage; re-request after a role change.
func (h *StreamHandlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if h.tokens == nil {
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeTransportUnavailable, "Media server is not configured")
		return
	}
	var req TokenRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}

	s, err := h.coord.Get(ctx, r.PathValue("id"))
	if err != nil {
		WriteStreamError(w, ctx, err)
		return
	}
	if s.IsEnded() {
		WriteStreamError(w, ctx, stream.ErrSessionEnded)
		return
	}
	if _, joined := s.Roster.Find(actorID); !joined {
		WriteStreamError(w, ctx, stream.ErrNotParticipant)
		return
	}

	resp, err := h.tokens.SessionToken(s, actorID, time.Duration(req.ExpirySeconds)*time.Second)
	if errors.Is(err, livekit.ErrInvalidExpiry) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to generate media token",
			"error", err,
			"stream_id", s.ID,
			"actor_id", actorID,
		)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to generate token")
		return
	}
	writeJSON(w, ctx, http.StatusOK, resp)
}
