package stream

import (
	"errors"
	"fmt"
)

// Business-rule failures returned by the pure role, screen-share and lifecycle rules.
var (
	ErrNotHost               = errors.New("actor is not the session host")
	ErrNotAuthorizedActor    = errors.New("actor is not authorized for this action")
	ErrCoHostSlotOccupied    = errors.New("co-host slot is occupied")
	ErrNoPendingInvitation   = errors.New("no pending co-host invitation")
	ErrPresenterSlotOccupied = errors.New("presenter slot is occupied")
	ErrNotParticipant        = errors.New("participant not in session")
	ErrHostCannotLeave       = errors.New("host cannot leave; end the stream instead")
	ErrSessionEnded          = errors.New("stream session has ended")
	ErrSessionLocked         = errors.New("stream session is locked")
	ErrInvalidStreamKind     = errors.New("invalid stream kind")
	ErrRoomRequired          = errors.New("room id is required")
	ErrInvalidStage          = errors.New("invalid stream role and invitation status combination")
)

// Store and transport failures.
var (
	ErrStreamNotFound         = errors.New("stream session not found")
	ErrSessionAlreadyLive     = errors.New("room already has a live stream session")
	ErrConcurrentModification = errors.New("stream session was modified concurrently")
	ErrInvariantViolated      = errors.New("stream session invariant violated")
	ErrTransportUnavailable   = errors.New("session store or change feed unavailable")
)

// SlotOccupiedError names the identity currently holding an exclusive slot.
// It unwraps to ErrCoHostSlotOccupied or ErrPresenterSlotOccupied.
type SlotOccupiedError struct {
	Slot   error
	Holder string
}

func (e *SlotOccupiedError) Error() string {
	return fmt.Sprintf("%s (held by %s)", e.Slot.Error(), e.Holder)
}

func (e *SlotOccupiedError) Unwrap() error {
	return e.Slot
}

// SlotHolder returns the holder named by a slot-occupied error, if err is one.
func SlotHolder(err error) (string, bool) {
	var slotErr *SlotOccupiedError
	if errors.As(err, &slotErr) {
		return slotErr.Holder, true
	}
	return "", false
}
