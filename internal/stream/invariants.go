package stream

import "fmt"

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvariantViolated}, args...)...)
}

// Validate checks the structural invariants every persisted session must hold:
//   - exactly one host entry, matching HostID
//   - at most one co-host, pending or accepted
//   - the presenter, if any, is the host or the accepted co-host
//   - participant ids are unique
func Validate(s *Session) error {
	if s == nil {
		return invariantf("nil session")
	}
	if s.ID == "" || s.RoomID == "" || s.HostID == "" {
		return invariantf("session %q missing id, room or host", s.ID)
	}
	if !s.StreamKind.Valid() {
		return invariantf("unknown stream kind %q", s.StreamKind)
	}
	switch s.Status {
	case StatusLive, StatusLocked, StatusEnded:
	default:
		return invariantf("unknown status %q", s.Status)
	}

	seen := make(map[string]struct{}, len(s.Roster))
	hosts, coHosts := 0, 0
	for _, p := range s.Roster {
		if p.ID == "" {
			return invariantf("participant without id")
		}
		if _, dup := seen[p.ID]; dup {
			return invariantf("participant %s listed twice", p.ID)
		}
		seen[p.ID] = struct{}{}

		switch {
		case p.Stage == StageHost:
			hosts++
			if p.ID != s.HostID {
				return invariantf("participant %s has host role but host is %s", p.ID, s.HostID)
			}
		case p.Stage.IsCoHost():
			coHosts++
		}
	}
	if hosts != 1 {
		return invariantf("expected exactly one host, found %d", hosts)
	}
	if coHosts > 1 {
		return invariantf("expected at most one co-host, found %d", coHosts)
	}

	if s.PresenterID != "" {
		if s.IsEnded() {
			return invariantf("ended session still has presenter %s", s.PresenterID)
		}
		if !s.Roster.StageOf(s.PresenterID).OnStage() {
			return invariantf("presenter %s is not on stage", s.PresenterID)
		}
	}
	return nil
}
