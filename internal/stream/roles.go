package stream

import "time"

// The role rules below never modify the roster they are given. Each returns a
// fresh roster (possibly equal to the input) or a typed error.

func withStage(r Roster, i int, stage Stage) Roster {
	out := r.Clone()
	out[i].Stage = stage
	return out
}

// Invite moves targetID to co-host/pending on behalf of the host.
// Re-inviting a pending target is a no-op.
func Invite(r Roster, hostID, byID, targetID string) (Roster, error) {
	if byID != hostID {
		return nil, ErrNotHost
	}
	if targetID == hostID {
		return nil, ErrNotAuthorizedActor
	}
	i := r.Index(targetID)
	if i < 0 {
		return nil, ErrNotParticipant
	}
	switch r[i].Stage {
	case StageCoHostPending:
		return r.Clone(), nil
	case StageCoHostAccepted:
		return nil, &SlotOccupiedError{Slot: ErrCoHostSlotOccupied, Holder: targetID}
	}
	if holder, ok := r.CoHost(); ok {
		return nil, &SlotOccupiedError{Slot: ErrCoHostSlotOccupied, Holder: holder.ID}
	}
	return withStage(r, i, StageCoHostPending), nil
}

// Accept promotes the caller's own pending invitation to accepted.
func Accept(r Roster, byID string) (Roster, error) {
	i := r.Index(byID)
	if i < 0 || r[i].Stage != StageCoHostPending {
		return nil, ErrNoPendingInvitation
	}
	return withStage(r, i, StageCoHostAccepted), nil
}

// Decline returns the caller from co-host/pending to audience.
func Decline(r Roster, byID string) (Roster, error) {
	i := r.Index(byID)
	if i < 0 || r[i].Stage != StageCoHostPending {
		return nil, ErrNoPendingInvitation
	}
	return withStage(r, i, StageAudience), nil
}

// Remove resets targetID to audience whatever its prior stage. Removing an
// audience member or someone who already left is a no-op.
func Remove(r Roster, hostID, byID, targetID string) (Roster, error) {
	if byID != hostID {
		return nil, ErrNotHost
	}
	if targetID == hostID {
		return nil, ErrNotAuthorizedActor
	}
	i := r.Index(targetID)
	if i < 0 || r[i].Stage == StageAudience {
		return r.Clone(), nil
	}
	return withStage(r, i, StageAudience), nil
}

// Leave drops the caller's entry, cancelling any co-host state it held.
// The host cannot leave; absent callers are a no-op.
func Leave(r Roster, hostID, byID string) (Roster, error) {
	if byID == hostID {
		return nil, ErrHostCannotLeave
	}
	i := r.Index(byID)
	if i < 0 {
		return r.Clone(), nil
	}
	out := make(Roster, 0, len(r)-1)
	out = append(out, r[:i]...)
	out = append(out, r[i+1:]...)
	return out, nil
}

// Join appends id as audience. Joining twice is a no-op.
func Join(r Roster, id string, now time.Time) (Roster, error) {
	if id == "" {
		return nil, ErrNotAuthorizedActor
	}
	if r.Index(id) >= 0 {
		return r.Clone(), nil
	}
	out := make(Roster, 0, len(r)+1)
	out = append(out, r...)
	out = append(out, Participant{ID: id, Stage: StageAudience, JoinedAt: timestamp(now)})
	return out, nil
}
