package stream

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultSubscriberBuffer is the per-subscriber queue length of InMemoryFeed.
const DefaultSubscriberBuffer = 32

type subscription struct {
	ch     chan *ChangeEvent
	closed bool
}

// InMemoryFeed fans change events out to in-process subscribers.
// A subscriber whose queue is full is dropped (its channel closed) so it can
// resubscribe and reconcile instead of blocking publishers.
type InMemoryFeed struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{} // session ID -> subscribers
	buffer int
	logger *slog.Logger
}

// NewInMemoryFeed creates a feed. A non-positive buffer uses DefaultSubscriberBuffer.
func NewInMemoryFeed(buffer int, logger *slog.Logger) *InMemoryFeed {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryFeed{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers for events of one session until ctx is done.
func (f *InMemoryFeed) Subscribe(ctx context.Context, sessionID string) (<-chan *ChangeEvent, error) {
	sub := &subscription{ch: make(chan *ChangeEvent, f.buffer)}

	f.mu.Lock()
	if f.subs[sessionID] == nil {
		f.subs[sessionID] = make(map[*subscription]struct{})
	}
	f.subs[sessionID][sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		f.remove(sessionID, sub)
	}()
	return sub.ch, nil
}

// remove must be called with f.mu held.
func (f *InMemoryFeed) remove(sessionID string, sub *subscription) {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	if conns, ok := f.subs[sessionID]; ok {
		delete(conns, sub)
		if len(conns) == 0 {
			delete(f.subs, sessionID)
		}
	}
}

// Publish delivers ev to every subscriber of its session without blocking.
func (f *InMemoryFeed) Publish(ctx context.Context, ev *ChangeEvent) error {
	id := ev.SessionID()

	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs[id] {
		select {
		case sub.ch <- ev:
		default:
			f.logger.Warn("dropping lagging change feed subscriber",
				slog.String("stream_id", id))
			f.remove(id, sub)
		}
	}
	return nil
}

// SubscriberCount returns the number of active subscribers for a session.
func (f *InMemoryFeed) SubscriberCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[sessionID])
}
