package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for audit log operations.
type Repository interface {
	// LogAccess records an event to the audit log.
	// Returns the created audit log entry.
	LogAccess(entry LogEntry) (*AuditLog, error)

	// QueryByEntity retrieves audit logs for a specific entity, sorted by time (newest first).
	// Limit specifies the maximum number of entries to return (0 = no limit).
	QueryByEntity(entityType, entityID string, limit int) ([]*AuditLog, error)

	// QueryByActor retrieves audit logs written on behalf of an actor, newest first.
	QueryByActor(actorID string, limit int) ([]*AuditLog, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Each entry carries the hash of its predecessor. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs map[string]*AuditLog
	// Maintain insertion order for queries
	order    []string
	lastHash string
	now      func() time.Time
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		logs:  make(map[string]*AuditLog),
		order: make([]string, 0),
		now:   time.Now,
	}
}

// hashEntry computes the chain hash of a stored entry.
func hashEntry(l *AuditLog) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		l.ID, l.ActorID, l.EntityType, l.EntityID, l.Action, l.Outcome, l.TargetID,
		l.CreatedAt.UTC().Format(time.RFC3339Nano), l.RequestID, l.PreviousHash,
	}, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// LogAccess records an event to the audit log.
func (r *InMemoryRepository) LogAccess(entry LogEntry) (*AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := &AuditLog{
		ID:           uuid.New().String(),
		ActorID:      entry.ActorID,
		EntityType:   entry.EntityType,
		EntityID:     entry.EntityID,
		Action:       entry.Action,
		Outcome:      entry.Outcome,
		TargetID:     entry.TargetID,
		CreatedAt:    r.now().UTC(),
		RequestID:    entry.RequestID,
		PreviousHash: r.lastHash,
	}
	r.logs[log.ID] = log
	r.order = append(r.order, log.ID)
	r.lastHash = hashEntry(log)

	// Return a copy to prevent external modification
	logCopy := *log
	return &logCopy, nil
}

// GetLastHash returns the hash of the most recent entry, or "" when empty.
func (r *InMemoryRepository) GetLastHash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHash
}

// VerifyHashChain recomputes every link and reports whether the chain is intact.
func (r *InMemoryRepository) VerifyHashChain() (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prev := ""
	for _, id := range r.order {
		log := r.logs[id]
		if log.PreviousHash != prev {
			return false, nil
		}
		prev = hashEntry(log)
	}
	return prev == r.lastHash, nil
}

func (r *InMemoryRepository) query(limit int, match func(*AuditLog) bool) []*AuditLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*AuditLog

	// Iterate in reverse order (newest first)
	for i := len(r.order) - 1; i >= 0; i-- {
		log := r.logs[r.order[i]]
		if !match(log) {
			continue
		}
		logCopy := *log
		results = append(results, &logCopy)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}

// QueryByEntity retrieves audit logs for a specific entity, sorted by time (newest first).
func (r *InMemoryRepository) QueryByEntity(entityType, entityID string, limit int) ([]*AuditLog, error) {
	return r.query(limit, func(l *AuditLog) bool {
		return l.EntityType == entityType && l.EntityID == entityID
	}), nil
}

// QueryByActor retrieves audit logs for a specific actor, sorted by time (newest first).
func (r *InMemoryRepository) QueryByActor(actorID string, limit int) ([]*AuditLog, error) {
	return r.query(limit, func(l *AuditLog) bool {
		return l.ActorID == actorID
	}), nil
}
