package stream

import (
	"time"

	"github.com/google/uuid"
)

// timestamp normalizes t to the precision every store can hold.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// StartLive creates a new live session with the host as its only participant.
// The store assigns the first version.
func StartLive(hostID, roomID string, kind StreamKind, now time.Time) (*Session, error) {
	if hostID == "" {
		return nil, ErrNotAuthorizedActor
	}
	if roomID == "" {
		return nil, ErrRoomRequired
	}
	if !kind.Valid() {
		return nil, ErrInvalidStreamKind
	}
	now = timestamp(now)
	return &Session{
		ID:         uuid.New().String(),
		RoomID:     roomID,
		HostID:     hostID,
		StreamKind: kind,
		Status:     StatusLive,
		CreatedAt:  now,
		Roster:     Roster{{ID: hostID, Stage: StageHost, JoinedAt: now}},
	}, nil
}

// SetLocked toggles joinability. Locking a locked session (or unlocking a
// live one) returns an unchanged copy.
func SetLocked(s *Session, byID string, locked bool) (*Session, error) {
	if s.IsEnded() {
		return nil, ErrSessionEnded
	}
	if !s.IsHost(byID) {
		return nil, ErrNotHost
	}
	out := s.Clone()
	if locked {
		out.Status = StatusLocked
	} else {
		out.Status = StatusLive
	}
	return out, nil
}

// Lock stops new audience members from joining.
func Lock(s *Session, byID string) (*Session, error) {
	return SetLocked(s, byID, true)
}

// Unlock reopens the session to new audience members.
func Unlock(s *Session, byID string) (*Session, error) {
	return SetLocked(s, byID, false)
}

// EndStream moves the session to its terminal state and releases the
// presenter slot. Ending an ended session is a no-op.
func EndStream(s *Session, byID string, now time.Time) (*Session, error) {
	if !s.IsHost(byID) {
		return nil, ErrNotHost
	}
	out := s.Clone()
	if s.IsEnded() {
		return out, nil
	}
	endedAt := timestamp(now)
	out.Status = StatusEnded
	out.EndedAt = &endedAt
	out.PresenterID = ""
	return out, nil
}

// CanJoin reports whether id may enter the session. New audience members are
// admitted only while live; existing participants may continue while locked.
func CanJoin(s *Session, id string) error {
	if s.IsEnded() {
		return ErrSessionEnded
	}
	if s.Roster.Index(id) >= 0 {
		return nil
	}
	if s.Status == StatusLocked {
		return ErrSessionLocked
	}
	return nil
}

// ReconcilePresenter clears the presenter slot when its holder is no longer
// entitled to publish.
func ReconcilePresenter(s *Session) {
	if s.PresenterID == "" {
		return
	}
	if !s.Roster.StageOf(s.PresenterID).OnStage() {
		s.PresenterID = ""
	}
}
