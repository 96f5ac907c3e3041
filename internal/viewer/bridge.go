package viewer

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/livestage/internal/stream"
)

// Default values for resubscription.
const (
	DefaultBaseDelay    = 100 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
	DefaultJitterFactor = 0.5
)

// Configuration errors.
var (
	ErrEmptySessionID  = errors.New("session ID cannot be empty")
	ErrInvalidDelay    = errors.New("base delay must be positive")
	ErrInvalidMaxDelay = errors.New("max delay must be >= base delay")
	ErrInvalidJitter   = errors.New("jitter factor must be between 0 and 1")
)

// Source delivers change events for one session. stream.Feed and
// WebSocketSource both satisfy it.
type Source interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan *stream.ChangeEvent, error)
}

// Fetcher returns the full current record of a session.
type Fetcher interface {
	Get(ctx context.Context, id string) (*stream.Session, error)
}

// Config holds the reconnect policy of a Bridge.
type Config struct {
	SessionID string

	// BaseDelay is the initial delay before the first resubscribe attempt.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// JitterFactor is the fraction of delay to randomize (0.0 to 1.0).
	JitterFactor float64
}

// DefaultConfig returns a Config with default delays for sessionID.
func DefaultConfig(sessionID string) Config {
	return Config{
		SessionID:    sessionID,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.SessionID == "" {
		return ErrEmptySessionID
	}
	if c.BaseDelay <= 0 {
		return ErrInvalidDelay
	}
	if c.MaxDelay < c.BaseDelay {
		return ErrInvalidMaxDelay
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return ErrInvalidJitter
	}
	return nil
}

// Bridge connects a change-feed Source to a Reconciler. Every (re)subscription
// is followed by a full fetch routed through the same Apply, so nothing is
// assumed about events missed while disconnected.
type Bridge struct {
	config     Config
	source     Source
	fetcher    Fetcher
	reconciler *Reconciler
	logger     *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand // protected by mu

	// reconnectCount tracks consecutive failed attempts (atomic)
	reconnectCount int64
	// subscriptions counts successful subscriptions (atomic)
	subscriptions int64
}

// NewBridge creates a bridge feeding reconciler.
func NewBridge(config Config, source Source, fetcher Fetcher, reconciler *Reconciler, logger *slog.Logger) (*Bridge, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		config:     config,
		source:     source,
		fetcher:    fetcher,
		reconciler: reconciler,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run keeps the reconciler converged until ctx is cancelled or the session
// ends. It returns nil once the session has ended and ErrStreamNotFound when
// the session does not exist.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := b.follow(ctx)
		switch {
		case err == nil:
			if b.reconciler.Ended() {
				b.logger.Info("session ended, bridge stopping",
					slog.String("stream_id", b.config.SessionID))
				return nil
			}
		case errors.Is(err, stream.ErrStreamNotFound):
			b.reconciler.ApplyDeleted()
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			b.logger.Warn("change feed connection failed",
				slog.String("stream_id", b.config.SessionID),
				slog.String("error", err.Error()),
				slog.Int64("attempt", atomic.LoadInt64(&b.reconnectCount)+1))
		}

		delay := b.computeBackoff()
		atomic.AddInt64(&b.reconnectCount, 1)
		b.logger.Info("scheduling resubscribe",
			slog.String("stream_id", b.config.SessionID),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// follow subscribes, reconciles a full fetch, then applies events until the
// subscription drops. A nil return means the stream closed normally.
func (b *Bridge) follow(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := b.source.Subscribe(subCtx, b.config.SessionID)
	if err != nil {
		return err
	}
	atomic.AddInt64(&b.subscriptions, 1)

	// Subscribe before fetching so no committed write falls between the two.
	snapshot, err := b.fetcher.Get(subCtx, b.config.SessionID)
	if err != nil {
		return err
	}
	b.reconciler.Apply(snapshot)
	atomic.StoreInt64(&b.reconnectCount, 0)

	for {
		if b.reconciler.Ended() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				b.logger.Info("change feed subscription dropped",
					slog.String("stream_id", b.config.SessionID))
				return nil
			}
			b.reconciler.ApplyEvent(ev)
		}
	}
}

// computeBackoff calculates the next delay with exponential backoff and jitter.
func (b *Bridge) computeBackoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	shift := uint(atomic.LoadInt64(&b.reconnectCount))
	if shift > 30 {
		shift = 30
	}
	delay := float64(b.config.BaseDelay) * float64(uint64(1)<<shift)
	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	// delay * (1 - jitter/2 + rand*jitter)
	if b.config.JitterFactor > 0 {
		jitter := (b.rng.Float64() - 0.5) * b.config.JitterFactor
		delay = delay * (1 + jitter)
	}
	return time.Duration(delay)
}

// Subscriptions returns how many times the bridge has subscribed.
func (b *Bridge) Subscriptions() int64 {
	return atomic.LoadInt64(&b.subscriptions)
}
