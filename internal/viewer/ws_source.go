package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/livestage/internal/stream"
)

// WebSocketSource subscribes to GET /streams/{id}/feed on a livestage server.
type WebSocketSource struct {
	baseURL  string
	token    string
	encoding stream.Encoding
	buffer   int
	dialer   websocket.Dialer
	logger   *slog.Logger
}

// NewWebSocketSource creates a source for the server at baseURL (http, https,
// ws or wss). token is sent as a Bearer credential when set.
func NewWebSocketSource(baseURL, token string, encoding stream.Encoding, logger *slog.Logger) *WebSocketSource {
	if logger == nil {
		logger = slog.Default()
	}
	if encoding == "" {
		encoding = stream.EncodingJSON
	}
	return &WebSocketSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		encoding: encoding,
		buffer:   stream.DefaultSubscriberBuffer,
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger,
	}
}

func (s *WebSocketSource) feedURL(sessionID string) (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/streams/" + url.PathEscape(sessionID) + "/feed"
	q := u.Query()
	q.Set("encoding", string(s.encoding))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the feed. The returned channel closes when ctx is done or
// the connection drops.
func (s *WebSocketSource) Subscribe(ctx context.Context, sessionID string) (<-chan *stream.ChangeEvent, error) {
	target, err := s.feedURL(sessionID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, resp, err := s.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, stream.ErrStreamNotFound
		}
		return nil, fmt.Errorf("%w: %w", stream.ErrTransportUnavailable, err)
	}

	events := make(chan *stream.ChangeEvent, s.buffer)
	go s.readLoop(ctx, conn, sessionID, events)
	return events, nil
}

func (s *WebSocketSource) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, events chan<- *stream.ChangeEvent) {
	defer close(events)

	// Unblock ReadMessage when the subscriber goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("feed connection closed",
					slog.String("stream_id", sessionID),
					slog.String("error", err.Error()))
			}
			return
		}

		ev, err := stream.DecodeEvent(payload, s.encoding)
		if err != nil {
			s.logger.Warn("dropping undecodable feed frame",
				slog.String("stream_id", sessionID),
				slog.String("error", err.Error()))
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
