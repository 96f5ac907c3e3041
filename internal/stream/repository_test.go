package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newStartedSession(t *testing.T, store SessionStore, hostID, roomID string) *Session {
	t.Helper()
	s, err := StartLive(hostID, roomID, StreamKindVideoChat, t0)
	if err != nil {
		t.Fatalf("StartLive() error = %v", err)
	}
	created, err := store.Create(context.Background(), s)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return created
}

func TestInMemorySessionStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySessionStore()

	created := newStartedSession(t, store, "H", "room-1")
	if created.Version != 1 {
		t.Errorf("version = %d, want 1", created.Version)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != created.ID || !got.Roster.Equal(created.Roster) {
		t.Errorf("Get() = %+v, want %+v", got, created)
	}

	got.Roster = append(got.Roster, audience("X"))
	again, _ := store.Get(ctx, created.ID)
	if len(again.Roster) != 1 {
		t.Error("Get() returned a reference to stored state")
	}

	active, err := store.GetActiveForRoom(ctx, "room-1")
	if err != nil || active.ID != created.ID {
		t.Errorf("GetActiveForRoom() = %v, %v", active, err)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrStreamNotFound", err)
	}
	if _, err := store.GetActiveForRoom(ctx, "room-2"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("GetActiveForRoom(empty room) error = %v, want ErrStreamNotFound", err)
	}
}

func TestInMemorySessionStore_OneLiveSessionPerRoom(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySessionStore()

	first := newStartedSession(t, store, "H", "room-1")

	second, _ := StartLive("H2", "room-1", StreamKindAudioChat, t0)
	if _, err := store.Create(ctx, second); !errors.Is(err, ErrSessionAlreadyLive) {
		t.Fatalf("Create() second live session error = %v, want ErrSessionAlreadyLive", err)
	}

	ended, _ := EndStream(first, "H", t0)
	if _, err := store.Update(ctx, ended, first.Version); err != nil {
		t.Fatalf("Update(end) error = %v", err)
	}
	if _, err := store.GetActiveForRoom(ctx, "room-1"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("GetActiveForRoom() after end error = %v, want ErrStreamNotFound", err)
	}
	if _, err := store.Create(ctx, second); err != nil {
		t.Errorf("Create() after end error = %v", err)
	}
}

func TestInMemorySessionStore_StaleWriteFails(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySessionStore()
	base := newStartedSession(t, store, "H", "room-1")

	base.Roster, _ = Join(base.Roster, "A", t0)
	base.Roster, _ = Join(base.Roster, "B", t0)
	base, err := store.Update(ctx, base, base.Version)
	if err != nil {
		t.Fatalf("seed Update() error = %v", err)
	}

	// Both writers read version 2.
	w1, _ := store.Get(ctx, base.ID)
	w2, _ := store.Get(ctx, base.ID)

	w1.Roster, _ = Invite(w1.Roster, "H", "H", "A")
	first, err := store.Update(ctx, w1, w1.Version)
	if err != nil {
		t.Fatalf("first writer error = %v", err)
	}
	if first.Version != base.Version+1 {
		t.Errorf("version = %d, want %d", first.Version, base.Version+1)
	}

	w2.Roster, _ = Leave(w2.Roster, "H", "B")
	if _, err := store.Update(ctx, w2, w2.Version); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("second writer error = %v, want ErrConcurrentModification", err)
	}

	stored, _ := store.Get(ctx, base.ID)
	if stored.Roster.StageOf("A") != StageCoHostPending {
		t.Error("second writer overwrote the first writer's change")
	}
	if stored.Roster.Index("B") < 0 {
		t.Error("stale write landed")
	}
}

func TestInMemorySessionStore_UpdateRejections(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySessionStore()
	base := newStartedSession(t, store, "H", "room-1")

	t.Run("invariant_violation", func(t *testing.T) {
		bad := base.Clone()
		bad.Roster = append(bad.Roster, accepted("A"), accepted("B"))
		if _, err := store.Update(ctx, bad, base.Version); !errors.Is(err, ErrInvariantViolated) {
			t.Errorf("error = %v, want ErrInvariantViolated", err)
		}
	})

	t.Run("host_change", func(t *testing.T) {
		bad := base.Clone()
		bad.HostID = "X"
		bad.Roster = roster(host("X"))
		if _, err := store.Update(ctx, bad, base.Version); !errors.Is(err, ErrInvariantViolated) {
			t.Errorf("error = %v, want ErrInvariantViolated", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		bad := base.Clone()
		bad.ID = "missing"
		if _, err := store.Update(ctx, bad, 1); !errors.Is(err, ErrStreamNotFound) {
			t.Errorf("error = %v, want ErrStreamNotFound", err)
		}
	})

	t.Run("after_end", func(t *testing.T) {
		ended, _ := EndStream(base, "H", t0)
		committed, err := store.Update(ctx, ended, base.Version)
		if err != nil {
			t.Fatalf("Update(end) error = %v", err)
		}
		relocked, _ := EndStream(committed, "H", t0)
		relocked.Status = StatusLive
		relocked.EndedAt = nil
		if _, err := store.Update(ctx, relocked, committed.Version); !errors.Is(err, ErrSessionEnded) {
			t.Errorf("error = %v, want ErrSessionEnded", err)
		}
	})
}

func TestInMemorySessionStore_ConcurrentWritersSerialize(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySessionStore()
	base := newStartedSession(t, store, "H", "room-1")

	const writers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			next := base.Clone()
			next.Roster, _ = Join(next.Roster, id, t0)
			if _, err := store.Update(ctx, next, base.Version); err == nil {
				mu.Lock()
				committed++
				mu.Unlock()
			} else if !errors.Is(err, ErrConcurrentModification) {
				t.Errorf("Update() error = %v", err)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	if committed != 1 {
		t.Errorf("committed = %d, want exactly 1 writer to win", committed)
	}
	stored, _ := store.Get(ctx, base.ID)
	if stored.Version != base.Version+1 {
		t.Errorf("version = %d, want %d", stored.Version, base.Version+1)
	}
}
