package stream

import (
	"context"
	"fmt"
	"sync"
)

// SessionStore persists sessions as versioned aggregates.
// Every write supplies the version it was computed from; a stale version is
// rejected with ErrConcurrentModification instead of overwriting.
type SessionStore interface {
	// Create stores a new session at version 1. It fails with
	// ErrSessionAlreadyLive when the room already has a non-ended session.
	Create(ctx context.Context, s *Session) (*Session, error)

	// Get returns the current record, or ErrStreamNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// GetActiveForRoom returns the non-ended session for a room, or ErrStreamNotFound.
	GetActiveForRoom(ctx context.Context, roomID string) (*Session, error)

	// Update replaces the record when its stored version equals baseVersion.
	// The returned session carries the new version.
	Update(ctx context.Context, s *Session, baseVersion int64) (*Session, error)
}

// prepareCreate validates a new session and stamps its first version.
func prepareCreate(s *Session) (*Session, error) {
	if s == nil {
		return nil, invariantf("nil session")
	}
	next := s.Clone()
	next.Version = 1
	if err := Validate(next); err != nil {
		return nil, err
	}
	return next, nil
}

// prepareUpdate checks next against the latest stored record and returns the
// record to write. Invariants are re-validated here so a write computed from a
// stale copy can never land.
func prepareUpdate(current, next *Session, baseVersion int64) (*Session, error) {
	if current.IsEnded() {
		return nil, ErrSessionEnded
	}
	if current.Version != baseVersion {
		return nil, fmt.Errorf("%w: stored version %d, base version %d",
			ErrConcurrentModification, current.Version, baseVersion)
	}
	if next.ID != current.ID || next.RoomID != current.RoomID || next.HostID != current.HostID {
		return nil, invariantf("session %s identity fields are immutable", current.ID)
	}
	if next.StreamKind != current.StreamKind || !next.CreatedAt.Equal(current.CreatedAt) {
		return nil, invariantf("session %s stream kind and creation time are immutable", current.ID)
	}
	out := next.Clone()
	out.Version = baseVersion + 1
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// InMemorySessionStore is an in-memory implementation of SessionStore.
// Thread-safe via RWMutex.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // session ID -> Session
	active   map[string]string   // room ID -> live session ID
}

// NewInMemorySessionStore creates a new in-memory session store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]*Session),
		active:   make(map[string]string),
	}
}

// Create stores a new session.
func (r *InMemorySessionStore) Create(ctx context.Context, s *Session) (*Session, error) {
	next, err := prepareCreate(s)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[next.ID]; exists {
		return nil, fmt.Errorf("%w: session %s already exists", ErrInvariantViolated, next.ID)
	}
	if id, ok := r.active[next.RoomID]; ok && !r.sessions[id].IsEnded() {
		return nil, ErrSessionAlreadyLive
	}
	r.sessions[next.ID] = next
	if !next.IsEnded() {
		r.active[next.RoomID] = next.ID
	}
	return next.Clone(), nil
}

// Get retrieves a session by ID.
func (r *InMemorySessionStore) Get(ctx context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return s.Clone(), nil
}

// GetActiveForRoom retrieves the non-ended session for a room.
func (r *InMemorySessionStore) GetActiveForRoom(ctx context.Context, roomID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[roomID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return r.sessions[id].Clone(), nil
}

// Update performs the compare-and-swap write.
func (r *InMemorySessionStore) Update(ctx context.Context, s *Session, baseVersion int64) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[s.ID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	next, err := prepareUpdate(current, s, baseVersion)
	if err != nil {
		return nil, err
	}
	r.sessions[next.ID] = next
	if next.IsEnded() && r.active[next.RoomID] == next.ID {
		delete(r.active, next.RoomID)
	}
	return next.Clone(), nil
}
