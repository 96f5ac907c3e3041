// Package audit records host moderation actions on live sessions so that
// invitations, removals, locks and stream ends can be traced after the fact.
package audit

import (
	"time"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// EntityStreamSession is the entity type of every stream moderation entry.
const EntityStreamSession = "stream_session"

// AuditLog represents a single audit event in the system.
type AuditLog struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	TargetID   string    `json:"target_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// Optional metadata
	RequestID string `json:"request_id,omitempty"`

	// Tamper detection
	PreviousHash string `json:"previous_hash,omitempty"` // SHA-256 of the previous entry
}

// LogEntry represents the input for creating an audit log entry.
type LogEntry struct {
	ActorID    string
	EntityType string
	EntityID   string
	Action     string
	Outcome    string
	TargetID   string
	RequestID  string
}
