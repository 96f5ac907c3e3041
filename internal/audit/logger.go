package audit

import (
	"context"
	"errors"

	"github.com/onnwee/livestage/internal/middleware"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to logging functions.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidEntityID is returned when an invalid entity ID is provided.
	ErrInvalidEntityID = errors.New("entity ID cannot be empty")
	// ErrInvalidAction is returned when an invalid action is provided.
	ErrInvalidAction = errors.New("action cannot be empty")
)

// Moderation actions recorded for stream sessions.
const (
	ActionStreamStart     = "stream_start"
	ActionStreamEnd       = "stream_end"
	ActionStreamLock      = "stream_lock"
	ActionStreamUnlock    = "stream_unlock"
	ActionCoHostInvite    = "cohost_invite"
	ActionParticipantKick = "participant_remove"
)

// ValidActions defines the allowed actions for audit logging.
var ValidActions = map[string]bool{
	ActionStreamStart:     true,
	ActionStreamEnd:       true,
	ActionStreamLock:      true,
	ActionStreamUnlock:    true,
	ActionCoHostInvite:    true,
	ActionParticipantKick: true,
}

// validateLogEntry validates the required fields of a log entry against the whitelist.
func validateLogEntry(entityID, action string) error {
	if entityID == "" {
		return ErrInvalidEntityID
	}
	if action == "" || !ValidActions[action] {
		return ErrInvalidAction
	}
	return nil
}

// LogStreamAction records a moderation action on a stream session.
// The request id is taken from the context when present.
//
// Error handling: this is fail-closed; the error is returned to the caller.
func LogStreamAction(ctx context.Context, repo Repository, actorID, streamID, action, targetID, outcome string) error {
	if repo == nil {
		return ErrNilRepository
	}
	if err := validateLogEntry(streamID, action); err != nil {
		return err
	}

	entry := LogEntry{
		ActorID:    actorID,
		EntityType: EntityStreamSession,
		EntityID:   streamID,
		Action:     action,
		Outcome:    outcome,
		TargetID:   targetID,
		RequestID:  middleware.GetRequestID(ctx),
	}

	_, err := repo.LogAccess(entry)
	return err
}
