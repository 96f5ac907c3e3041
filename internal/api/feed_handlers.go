package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/livestage/internal/middleware"
	"github.com/onnwee/livestage/internal/stream"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Pings are sent at this period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Viewers only send control frames.
	maxInboundMessage = 512
)

func (h *StreamHandlers) upgrader() *websocket.Upgrader {
	checkOrigin := h.checkOrigin
	if checkOrigin == nil {
		checkOrigin = sameOrigin
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// sameOrigin accepts non-browser clients and same-host browsers.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Feed handles GET /streams/{id}/feed as a WebSocket. The first frame is the
// current session snapshot; every committed write follows as a change event.
// ?encoding=cbor switches to binary CBOR frames.
//
// The connection is closed after the session ends, or with CloseTryAgainLater
// when the server drops a lagging subscription so the client resubscribes
// and refetches.
func (h *StreamHandlers) Feed(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	streamID := r.PathValue("id")

	encoding := stream.Encoding(r.URL.Query().Get("encoding"))
	switch encoding {
	case "":
		encoding = stream.EncodingJSON
	case stream.EncodingJSON, stream.EncodingCBOR:
	default:
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "encoding must be json or cbor")
		return
	}
	if h.feed == nil {
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeTransportUnavailable, "Change feed is not configured")
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before reading the snapshot so no committed write falls between them.
	events, err := h.feed.Subscribe(subCtx, streamID)
	if err != nil {
		WriteStreamError(w, ctx, fmt.Errorf("%w: %w", stream.ErrTransportUnavailable, err))
		return
	}
	current, err := h.coord.Get(ctx, streamID)
	if err != nil {
		WriteStreamError(w, ctx, err)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection",
			"error", err,
			"stream_id", streamID,
		)
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.IncFeedSubscribers()
		defer h.metrics.DecFeedSubscribers()
	}

	requestID := middleware.GetRequestID(ctx)
	h.logger.InfoContext(ctx, "feed subscriber connected",
		"stream_id", streamID,
		"actor_id", actorID,
		"request_id", requestID,
		"encoding", string(encoding),
	)
	defer h.logger.InfoContext(ctx, "feed subscriber disconnected",
		"stream_id", streamID,
		"actor_id", actorID,
		"request_id", requestID,
	)

	msgType := websocket.TextMessage
	if encoding == stream.EncodingCBOR {
		msgType = websocket.BinaryMessage
	}
	send := func(ev *stream.ChangeEvent) error {
		frame, err := stream.EncodeEvent(ev, encoding)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(msgType, frame)
	}
	closeWith := func(code int, reason string) {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}

	if err := send(&stream.ChangeEvent{EventType: stream.EventUpdate, Table: stream.ChangeTable, New: current}); err != nil {
		return
	}
	if current.IsEnded() {
		closeWith(websocket.CloseNormalClosure, "stream ended")
		return
	}

	// Read control frames to process pongs and notice disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(maxInboundMessage)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					h.logger.WarnContext(ctx, "feed connection closed unexpectedly",
						"error", err,
						"stream_id", streamID,
					)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				closeWith(websocket.CloseTryAgainLater, "subscription dropped")
				return
			}
			if err := send(ev); err != nil {
				return
			}
			if ev.EventType == stream.EventDelete || (ev.New != nil && ev.New.IsEnded()) {
				closeWith(websocket.CloseNormalClosure, "stream ended")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}
