package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
)

// EventType is the kind of row change carried by a ChangeEvent.
type EventType string

// Change event types.
const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeTable is the only table published on the feed.
const ChangeTable = "session"

// ChangeEvent is one change-feed notification. New and Old are full session
// snapshots, never diffs.
type ChangeEvent struct {
	EventType EventType `json:"event_type" cbor:"event_type"`
	Table     string    `json:"table" cbor:"table"`
	New       *Session  `json:"new,omitempty" cbor:"new,omitempty"`
	Old       *Session  `json:"old,omitempty" cbor:"old,omitempty"`
}

// SessionID returns the id of the session the event refers to.
func (e *ChangeEvent) SessionID() string {
	if e.New != nil {
		return e.New.ID
	}
	if e.Old != nil {
		return e.Old.ID
	}
	return ""
}

// Feed delivers change events filtered by session id.
//
// Delivery is at-most-once and may reorder or duplicate events. The returned
// channel is closed when ctx is done or the subscription is dropped; callers
// must resubscribe and refetch in that case.
type Feed interface {
	Publish(ctx context.Context, ev *ChangeEvent) error
	Subscribe(ctx context.Context, sessionID string) (<-chan *ChangeEvent, error)
}

// Encoding selects the wire format of change events.
type Encoding string

// Supported encodings.
const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// cborMode keeps nanosecond timestamps so CBOR and JSON frames decode to the same snapshot.
var cborMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// EncodeEvent serializes ev in the requested encoding. Unknown encodings fall back to JSON.
func EncodeEvent(ev *ChangeEvent, enc Encoding) ([]byte, error) {
	if enc == EncodingCBOR {
		return cborMode.Marshal(ev)
	}
	return json.Marshal(ev)
}

// DecodeEvent parses a change event frame.
func DecodeEvent(data []byte, enc Encoding) (*ChangeEvent, error) {
	var ev ChangeEvent
	var err error
	if enc == EncodingCBOR {
		err = cbor.Unmarshal(data, &ev)
	} else {
		err = json.Unmarshal(data, &ev)
	}
	if err != nil {
		return nil, fmt.Errorf("decode change event: %w", err)
	}
	return &ev, nil
}

// PublishingStore wraps a SessionStore and publishes every committed write to a Feed.
// A failed publish is logged but never fails the write that already committed;
// subscribers recover through their full refetch on resubscribe.
type PublishingStore struct {
	SessionStore
	feed    Feed
	metrics *Metrics
	logger  *slog.Logger
}

// NewPublishingStore creates a store decorator. metrics may be nil.
func NewPublishingStore(store SessionStore, feed Feed, metrics *Metrics, logger *slog.Logger) *PublishingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishingStore{
		SessionStore: store,
		feed:         feed,
		metrics:      metrics,
		logger:       logger,
	}
}

// Create stores the session and publishes an insert event.
func (p *PublishingStore) Create(ctx context.Context, s *Session) (*Session, error) {
	created, err := p.SessionStore.Create(ctx, s)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, &ChangeEvent{EventType: EventInsert, Table: ChangeTable, New: created.Clone()})
	return created, nil
}

// Update performs the versioned write and publishes an update event.
func (p *PublishingStore) Update(ctx context.Context, s *Session, baseVersion int64) (*Session, error) {
	updated, err := p.SessionStore.Update(ctx, s, baseVersion)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, &ChangeEvent{EventType: EventUpdate, Table: ChangeTable, New: updated.Clone()})
	return updated, nil
}

func (p *PublishingStore) publish(ctx context.Context, ev *ChangeEvent) {
	if err := p.feed.Publish(ctx, ev); err != nil {
		p.logger.Warn("failed to publish change event",
			slog.String("stream_id", ev.SessionID()),
			slog.String("event_type", string(ev.EventType)),
			slog.String("error", err.Error()))
		if p.metrics != nil {
			p.metrics.IncFeedPublishFailures()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.IncFeedPublished()
	}
}
