package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/livestage/internal/tracing"
)

func feedChannel(sessionID string) string {
	return redisKeyPrefix + "feed:" + sessionID
}

// RedisFeed publishes change events on one Redis pub/sub channel per session.
// Any receive error closes the subscriber channel; Redis pub/sub does not
// replay missed messages, so the subscriber must refetch.
type RedisFeed struct {
	client *redis.Client
	buffer int
	logger *slog.Logger
}

// NewRedisFeed creates a feed over an existing client.
func NewRedisFeed(client *redis.Client, buffer int, logger *slog.Logger) *RedisFeed {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{
		client: client,
		buffer: buffer,
		logger: logger,
	}
}

// Publish sends ev to the session's channel.
func (f *RedisFeed) Publish(ctx context.Context, ev *ChangeEvent) (err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.SystemRedis, redisKeyPrefix+"feed", tracing.DBOperationPublish)
	defer func() { endSpan(err) }()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := f.client.Publish(ctx, feedChannel(ev.SessionID()), data).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Subscribe confirms the subscription with Redis before returning, so events
// published after Subscribe returns are not missed.
func (f *RedisFeed) Subscribe(ctx context.Context, sessionID string) (<-chan *ChangeEvent, error) {
	pubsub := f.client.Subscribe(ctx, feedChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, unavailable(err)
	}

	eventCh := make(chan *ChangeEvent, f.buffer)
	go f.processMessages(ctx, pubsub, sessionID, eventCh)
	return eventCh, nil
}

// processMessages reads messages from the Redis pubsub and sends them to the event channel.
func (f *RedisFeed) processMessages(ctx context.Context, pubsub *redis.PubSub, sessionID string, eventCh chan<- *ChangeEvent) {
	defer close(eventCh)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("change feed subscription dropped",
					slog.String("stream_id", sessionID),
					slog.String("error", err.Error()))
			}
			return
		}

		var ev ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			f.logger.Warn("skipping malformed change event",
				slog.String("stream_id", sessionID),
				slog.String("error", err.Error()))
			continue
		}

		select {
		case eventCh <- &ev:
		case <-ctx.Done():
			return
		default:
			f.logger.Warn("dropping lagging change feed subscriber",
				slog.String("stream_id", sessionID))
			return
		}
	}
}
