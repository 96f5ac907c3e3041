package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/livestage/internal/stream"
)

func newFeedServer(t *testing.T, frames [][]byte, msgType int) (*httptest.Server, <-chan *http.Request) {
	t.Helper()
	requests := make(chan *http.Request, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /streams/{id}/feed", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			http.NotFound(w, r)
			return
		}
		requests <- r
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(msgType, f); err != nil {
				return
			}
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, requests
}

func TestWebSocketSource_DecodesFrames(t *testing.T) {
	ev := &stream.ChangeEvent{
		EventType: stream.EventUpdate,
		Table:     stream.ChangeTable,
		New:       snap(4, stream.StatusLive, "", p("A", stream.StageCoHostPending)),
	}

	tests := []struct {
		name     string
		encoding stream.Encoding
		msgType  int
	}{
		{"json", stream.EncodingJSON, websocket.TextMessage},
		{"cbor", stream.EncodingCBOR, websocket.BinaryMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := stream.EncodeEvent(ev, tt.encoding)
			if err != nil {
				t.Fatalf("EncodeEvent() error = %v", err)
			}
			srv, requests := newFeedServer(t, [][]byte{[]byte("not a frame"), frame}, tt.msgType)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			src := NewWebSocketSource(srv.URL, "tok", tt.encoding, newTestLogger())
			events, err := src.Subscribe(ctx, "s1")
			if err != nil {
				t.Fatalf("Subscribe() error = %v", err)
			}

			req := <-requests
			if got := req.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("Authorization = %q, want Bearer tok", got)
			}
			if got := req.URL.Query().Get("encoding"); got != string(tt.encoding) {
				t.Errorf("encoding query = %q, want %q", got, tt.encoding)
			}

			select {
			case got := <-events:
				if got == nil || got.New.Version != 4 || got.New.Roster.StageOf("A") != stream.StageCoHostPending {
					t.Errorf("event = %+v", got)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("no event received")
			}

			cancel()
			select {
			case _, ok := <-events:
				if ok {
					t.Error("expected channel to close after cancel")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("channel not closed after cancel")
			}
		})
	}
}

func TestWebSocketSource_NotFound(t *testing.T) {
	srv, _ := newFeedServer(t, nil, websocket.TextMessage)
	src := NewWebSocketSource(srv.URL, "", stream.EncodingJSON, newTestLogger())
	if _, err := src.Subscribe(context.Background(), "missing"); !errors.Is(err, stream.ErrStreamNotFound) {
		t.Errorf("Subscribe() error = %v, want ErrStreamNotFound", err)
	}
}

func TestWebSocketSource_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	src := NewWebSocketSource(url, "", stream.EncodingJSON, newTestLogger())
	if _, err := src.Subscribe(context.Background(), "s1"); !errors.Is(err, stream.ErrTransportUnavailable) {
		t.Errorf("Subscribe() error = %v, want ErrTransportUnavailable", err)
	}
}

func TestHTTPFetcher_Get(t *testing.T) {
	want := snap(7, stream.StatusLocked, "H", p("A", stream.StageCoHostAccepted))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /streams/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "s1":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(want)
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, "tok", nil)

	got, err := f.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Version != 7 || got.PresenterID != "H" || got.Status != stream.StatusLocked {
		t.Errorf("Get() = %+v", got)
	}
	if got.Roster.StageOf("A") != stream.StageCoHostAccepted {
		t.Errorf("A stage = %v, want co-host/accepted", got.Roster.StageOf("A"))
	}

	if _, err := f.Get(context.Background(), "nope"); !errors.Is(err, stream.ErrStreamNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrStreamNotFound", err)
	}
	if _, err := f.Get(context.Background(), "broken"); !errors.Is(err, stream.ErrTransportUnavailable) {
		t.Errorf("Get(broken) error = %v, want ErrTransportUnavailable", err)
	}
	if _, err := NewHTTPFetcher(srv.URL, "", nil).Get(context.Background(), "s1"); err == nil {
		t.Error("Get() without token should fail")
	}
}
