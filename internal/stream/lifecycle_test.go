package stream

import (
	"errors"
	"testing"
	"time"
)

func liveSession(kind StreamKind, entries ...Participant) *Session {
	return &Session{
		ID:         "session-1",
		RoomID:     "room-1",
		HostID:     "H",
		StreamKind: kind,
		Status:     StatusLive,
		CreatedAt:  t0,
		Version:    1,
		Roster:     roster(append([]Participant{host("H")}, entries...)...),
	}
}

func TestStartLive(t *testing.T) {
	s, err := StartLive("H", "room-1", StreamKindAudioChat, t0)
	if err != nil {
		t.Fatalf("StartLive() error = %v", err)
	}
	if s.ID == "" {
		t.Error("StartLive() did not assign an id")
	}
	if s.Status != StatusLive || s.HostID != "H" || s.RoomID != "room-1" {
		t.Errorf("StartLive() = %+v", s)
	}
	if len(s.Roster) != 1 || s.Roster[0].ID != "H" || s.Roster[0].Stage != StageHost {
		t.Errorf("roster = %v, want singleton host", s.Roster)
	}
	if err := Validate(s); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	tests := []struct {
		name    string
		host    string
		room    string
		kind    StreamKind
		wantErr error
	}{
		{"no_actor", "", "room-1", StreamKindVideoChat, ErrNotAuthorizedActor},
		{"no_room", "H", "", StreamKindVideoChat, ErrRoomRequired},
		{"bad_kind", "H", "room-1", StreamKind("karaoke"), ErrInvalidStreamKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := StartLive(tt.host, tt.room, tt.kind, t0); !errors.Is(err, tt.wantErr) {
				t.Errorf("StartLive() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLockUnlock(t *testing.T) {
	s := liveSession(StreamKindVideoChat, audience("A"))

	locked, err := Lock(s, "H")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if locked.Status != StatusLocked {
		t.Errorf("status = %s, want locked", locked.Status)
	}
	if s.Status != StatusLive {
		t.Error("Lock() mutated its input")
	}

	again, err := Lock(locked, "H")
	if err != nil || again.Status != StatusLocked {
		t.Errorf("Lock(locked) = %v, %v; want idempotent", again.Status, err)
	}

	unlocked, err := Unlock(locked, "H")
	if err != nil || unlocked.Status != StatusLive {
		t.Errorf("Unlock() = %v, %v; want live", unlocked.Status, err)
	}

	if _, err := Lock(s, "A"); !errors.Is(err, ErrNotHost) {
		t.Errorf("Lock(by audience) error = %v, want ErrNotHost", err)
	}

	ended, _ := EndStream(s, "H", t0)
	if _, err := Lock(ended, "H"); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Lock(ended) error = %v, want ErrSessionEnded", err)
	}
}

func TestEndStream(t *testing.T) {
	s := liveSession(StreamKindVideoChat, accepted("A"))
	s.PresenterID = "A"
	endAt := t0.Add(90 * time.Minute)

	ended, err := EndStream(s, "H", endAt)
	if err != nil {
		t.Fatalf("EndStream() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Errorf("status = %s, want ended", ended.Status)
	}
	if ended.PresenterID != "" {
		t.Errorf("presenter = %q, want cleared", ended.PresenterID)
	}
	if ended.EndedAt == nil || !ended.EndedAt.Equal(endAt) {
		t.Errorf("ended_at = %v, want %v", ended.EndedAt, endAt)
	}
	if got := ended.Elapsed(endAt.Add(time.Hour)); got != 90*time.Minute {
		t.Errorf("Elapsed() = %v, want 90m", got)
	}

	again, err := EndStream(ended, "H", endAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("EndStream(ended) error = %v", err)
	}
	if again.Status != ended.Status || !again.EndedAt.Equal(*ended.EndedAt) || !again.Roster.Equal(ended.Roster) {
		t.Errorf("EndStream(ended) = %+v, want no-op", again)
	}

	if _, err := EndStream(s, "A", endAt); !errors.Is(err, ErrNotHost) {
		t.Errorf("EndStream(by co-host) error = %v, want ErrNotHost", err)
	}
}

func TestCanJoin(t *testing.T) {
	live := liveSession(StreamKindVideoChat, audience("A"))
	locked, _ := Lock(live, "H")
	ended, _ := EndStream(live, "H", t0)

	tests := []struct {
		name    string
		session *Session
		id      string
		wantErr error
	}{
		{"new_while_live", live, "N", nil},
		{"existing_while_live", live, "A", nil},
		{"existing_while_locked", locked, "A", nil},
		{"new_while_locked", locked, "N", ErrSessionLocked},
		{"existing_after_end", ended, "A", ErrSessionEnded},
		{"new_after_end", ended, "N", ErrSessionEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CanJoin(tt.session, tt.id); !errors.Is(err, tt.wantErr) {
				t.Errorf("CanJoin() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReconcilePresenter(t *testing.T) {
	s := liveSession(StreamKindVideoChat, accepted("A"))
	s.PresenterID = "A"

	ReconcilePresenter(s)
	if s.PresenterID != "A" {
		t.Fatalf("presenter cleared while still on stage")
	}

	s.Roster, _ = Remove(s.Roster, "H", "H", "A")
	ReconcilePresenter(s)
	if s.PresenterID != "" {
		t.Errorf("presenter = %q, want cleared after removal", s.PresenterID)
	}
}

func TestScreenShare(t *testing.T) {
	presenter, err := StartShare("", "A")
	if err != nil || presenter != "A" {
		t.Fatalf("StartShare(A) = %q, %v", presenter, err)
	}

	same, err := StartShare(presenter, "A")
	if err != nil || same != "A" {
		t.Errorf("StartShare(A) again = %q, %v; want idempotent", same, err)
	}

	_, err = StartShare(presenter, "B")
	if !errors.Is(err, ErrPresenterSlotOccupied) {
		t.Fatalf("StartShare(B) error = %v, want ErrPresenterSlotOccupied", err)
	}
	if holder, ok := SlotHolder(err); !ok || holder != "A" {
		t.Errorf("holder = %q, want A", holder)
	}

	if got := StopShare(presenter, "B"); got != "A" {
		t.Errorf("StopShare(by B) = %q, want A untouched", got)
	}

	presenter = StopShare(presenter, "A")
	if presenter != "" {
		t.Fatalf("StopShare(A) = %q, want empty", presenter)
	}

	presenter, err = StartShare(presenter, "B")
	if err != nil || presenter != "B" {
		t.Errorf("StartShare(B) after stop = %q, %v", presenter, err)
	}
}
