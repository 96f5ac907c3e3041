package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/livestage/internal/middleware"
)

func TestInMemoryRepository_LogAccess(t *testing.T) {
	repo := NewInMemoryRepository()

	entry := LogEntry{
		ActorID:    "host-1",
		EntityType: EntityStreamSession,
		EntityID:   "session-123",
		Action:     ActionCoHostInvite,
		Outcome:    OutcomeSuccess,
		TargetID:   "viewer-7",
		RequestID:  "req-456",
	}

	log, err := repo.LogAccess(entry)
	if err != nil {
		t.Fatalf("LogAccess() error = %v", err)
	}

	if log.ID == "" {
		t.Error("LogAccess() should generate an ID")
	}
	if log.ActorID != entry.ActorID {
		t.Errorf("LogAccess() ActorID = %q, want %q", log.ActorID, entry.ActorID)
	}
	if log.EntityID != entry.EntityID {
		t.Errorf("LogAccess() EntityID = %q, want %q", log.EntityID, entry.EntityID)
	}
	if log.TargetID != entry.TargetID {
		t.Errorf("LogAccess() TargetID = %q, want %q", log.TargetID, entry.TargetID)
	}
	if log.Outcome != OutcomeSuccess {
		t.Errorf("LogAccess() Outcome = %q, want %q", log.Outcome, OutcomeSuccess)
	}
	if log.PreviousHash != "" {
		t.Errorf("first entry PreviousHash = %q, want empty", log.PreviousHash)
	}
	if time.Since(log.CreatedAt) > 5*time.Second {
		t.Errorf("LogAccess() CreatedAt = %v, not recent", log.CreatedAt)
	}
}

func TestInMemoryRepository_Queries(t *testing.T) {
	repo := NewInMemoryRepository()
	for _, e := range []LogEntry{
		{ActorID: "host-1", EntityType: EntityStreamSession, EntityID: "s1", Action: ActionStreamStart},
		{ActorID: "host-1", EntityType: EntityStreamSession, EntityID: "s1", Action: ActionStreamLock},
		{ActorID: "host-2", EntityType: EntityStreamSession, EntityID: "s2", Action: ActionStreamStart},
		{ActorID: "host-1", EntityType: EntityStreamSession, EntityID: "s1", Action: ActionStreamEnd},
	} {
		if _, err := repo.LogAccess(e); err != nil {
			t.Fatalf("LogAccess() error = %v", err)
		}
	}

	tests := []struct {
		name      string
		query     func() ([]*AuditLog, error)
		wantLen   int
		wantFirst string
	}{
		{"entity", func() ([]*AuditLog, error) { return repo.QueryByEntity(EntityStreamSession, "s1", 0) }, 3, ActionStreamEnd},
		{"entity with limit", func() ([]*AuditLog, error) { return repo.QueryByEntity(EntityStreamSession, "s1", 2) }, 2, ActionStreamEnd},
		{"entity no results", func() ([]*AuditLog, error) { return repo.QueryByEntity(EntityStreamSession, "nope", 0) }, 0, ""},
		{"actor", func() ([]*AuditLog, error) { return repo.QueryByActor("host-2", 0) }, 1, ActionStreamStart},
		{"actor with limit", func() ([]*AuditLog, error) { return repo.QueryByActor("host-1", 1) }, 1, ActionStreamEnd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.query()
			if err != nil {
				t.Fatalf("query error = %v", err)
			}
			if len(got) != tt.wantLen {
				t.Fatalf("got %d logs, want %d", len(got), tt.wantLen)
			}
			if tt.wantLen > 0 && got[0].Action != tt.wantFirst {
				t.Errorf("newest action = %q, want %q", got[0].Action, tt.wantFirst)
			}
		})
	}
}

func TestInMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewInMemoryRepository()
	log, _ := repo.LogAccess(LogEntry{ActorID: "h", EntityType: EntityStreamSession, EntityID: "s1", Action: ActionStreamLock})
	log.ActorID = "mallory"

	got, _ := repo.QueryByEntity(EntityStreamSession, "s1", 0)
	if got[0].ActorID != "h" {
		t.Errorf("stored ActorID = %q, want h", got[0].ActorID)
	}
	if ok, _ := repo.VerifyHashChain(); !ok {
		t.Error("VerifyHashChain() = false after mutating a returned copy")
	}
}

func TestInMemoryRepository_HashChain(t *testing.T) {
	repo := NewInMemoryRepository()
	if repo.GetLastHash() != "" {
		t.Errorf("GetLastHash() on empty repo = %q, want empty", repo.GetLastHash())
	}
	if ok, err := repo.VerifyHashChain(); err != nil || !ok {
		t.Errorf("VerifyHashChain() on empty repo = %v, %v", ok, err)
	}

	var prev string
	for i := 0; i < 5; i++ {
		log, err := repo.LogAccess(LogEntry{ActorID: "h", EntityType: EntityStreamSession, EntityID: "s1", Action: ActionStreamLock})
		if err != nil {
			t.Fatalf("LogAccess() error = %v", err)
		}
		if log.PreviousHash != prev {
			t.Fatalf("entry %d PreviousHash = %q, want %q", i, log.PreviousHash, prev)
		}
		prev = repo.GetLastHash()
		if len(prev) != 64 {
			t.Fatalf("GetLastHash() = %q, want 64 hex chars", prev)
		}
	}
	if ok, err := repo.VerifyHashChain(); err != nil || !ok {
		t.Errorf("VerifyHashChain() = %v, %v, want true", ok, err)
	}
}

func TestInMemoryRepository_VerifyHashChain_Tampered(t *testing.T) {
	repo := NewInMemoryRepository()
	for _, a := range []string{ActionStreamStart, ActionCoHostInvite, ActionStreamEnd} {
		repo.LogAccess(LogEntry{ActorID: "h", EntityType: EntityStreamSession, EntityID: "s1", Action: a})
	}

	repo.mu.Lock()
	repo.logs[repo.order[1]].TargetID = "someone-else"
	repo.mu.Unlock()

	ok, err := repo.VerifyHashChain()
	if err != nil {
		t.Fatalf("VerifyHashChain() error = %v", err)
	}
	if ok {
		t.Error("VerifyHashChain() = true after tampering, want false")
	}
}

func TestInMemoryRepository_ThreadSafety(t *testing.T) {
	repo := NewInMemoryRepository()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			repo.LogAccess(LogEntry{ActorID: "h", EntityType: EntityStreamSession, EntityID: "s1", Action: ActionStreamLock})
			repo.QueryByEntity(EntityStreamSession, "s1", 0)
		}()
	}
	wg.Wait()

	got, _ := repo.QueryByEntity(EntityStreamSession, "s1", 0)
	if len(got) != 50 {
		t.Errorf("got %d logs, want 50", len(got))
	}
	if ok, _ := repo.VerifyHashChain(); !ok {
		t.Error("VerifyHashChain() = false after concurrent writes")
	}
}

func TestLogStreamAction_WithRequestID(t *testing.T) {
	repo := NewInMemoryRepository()

	req := httptest.NewRequest(http.MethodPost, "/streams/s1/lock", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-789")

	var ctx context.Context
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx = r.Context()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if err := LogStreamAction(ctx, repo, "host-1", "s1", ActionStreamLock, "", OutcomeSuccess); err != nil {
		t.Fatalf("LogStreamAction() error = %v", err)
	}

	results, _ := repo.QueryByEntity(EntityStreamSession, "s1", 0)
	if len(results) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(results))
	}
	if results[0].RequestID != "req-789" {
		t.Errorf("RequestID = %q, want req-789", results[0].RequestID)
	}
	if results[0].ActorID != "host-1" {
		t.Errorf("ActorID = %q, want host-1", results[0].ActorID)
	}
}

func TestLogStreamAction_Validation(t *testing.T) {
	tests := []struct {
		name     string
		repo     Repository
		streamID string
		action   string
		wantErr  error
	}{
		{"nil repository", nil, "s1", ActionStreamEnd, ErrNilRepository},
		{"empty stream id", NewInMemoryRepository(), "", ActionStreamEnd, ErrInvalidEntityID},
		{"empty action", NewInMemoryRepository(), "s1", "", ErrInvalidAction},
		{"unknown action", NewInMemoryRepository(), "s1", "stream_delete", ErrInvalidAction},
		{"valid", NewInMemoryRepository(), "s1", ActionParticipantKick, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := LogStreamAction(context.Background(), tt.repo, "host-1", tt.streamID, tt.action, "v1", OutcomeSuccess)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("LogStreamAction() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
