// Package stream models live stream sessions and the pure rules that govern
// who may publish media in them.
package stream

import (
	"time"
)

// StreamKind is fixed at creation and determines which media capabilities are ever requested.
type StreamKind string

// Stream kinds.
const (
	StreamKindVideoChat StreamKind = "video_chat"
	StreamKindAudioChat StreamKind = "audio_chat"
	StreamKindChatOnly  StreamKind = "chat_only"
)

// Valid reports whether k is a known stream kind.
func (k StreamKind) Valid() bool {
	switch k {
	case StreamKindVideoChat, StreamKindAudioChat, StreamKindChatOnly:
		return true
	}
	return false
}

// Status is the session-level state. A session that has not been started has no record.
type Status string

// Session statuses. StatusEnded is absorbing.
const (
	StatusLive   Status = "live"
	StatusLocked Status = "locked"
	StatusEnded  Status = "ended"
)

// Session is one live broadcast instance and the unit of persistence.
// Every mutation rewrites the whole record and bumps Version.
type Session struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"room_id"`
	HostID      string     `json:"host_id"`
	StreamKind  StreamKind `json:"stream_kind"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	PresenterID string     `json:"presenter_id,omitempty"`
	Version     int64      `json:"version"`
	Roster      Roster     `json:"roster"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Roster = s.Roster.Clone()
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// IsEnded reports whether the session reached its terminal state.
func (s *Session) IsEnded() bool {
	return s.Status == StatusEnded
}

// IsHost reports whether id is the session host.
func (s *Session) IsHost(id string) bool {
	return id != "" && s.HostID == id
}

// Elapsed returns the time since creation, or the total duration once ended.
// It is display-only.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.CreatedAt)
	}
	return now.Sub(s.CreatedAt)
}
