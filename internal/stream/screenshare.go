package stream

// StartShare claims the presenter slot for byID.
// It is idempotent for the current holder.
func StartShare(current, byID string) (string, error) {
	if current != "" && current != byID {
		return current, &SlotOccupiedError{Slot: ErrPresenterSlotOccupied, Holder: current}
	}
	return byID, nil
}

// StopShare releases the slot only when byID holds it.
// A stale client cannot clear someone else's share.
func StopShare(current, byID string) string {
	if current == byID {
		return ""
	}
	return current
}
