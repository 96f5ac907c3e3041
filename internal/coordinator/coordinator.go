// Package coordinator orchestrates live-session mutations. Each action reads
// the current session, decides the next state with the pure rules in package
// stream, and writes it back with the version it was computed from. Version
// conflicts are retried by refetching and recomputing.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/livestage/internal/audit"
	"github.com/onnwee/livestage/internal/stream"
	"github.com/onnwee/livestage/internal/tracing"
)

// Action names used for metrics, logs and spans.
const (
	ActionStartLive  = "start_live"
	ActionJoin       = "join"
	ActionLeave      = "leave"
	ActionInvite     = "invite"
	ActionAccept     = "accept"
	ActionDecline    = "decline"
	ActionRemove     = "remove"
	ActionStartShare = "start_share"
	ActionStopShare  = "stop_share"
	ActionLock       = "lock"
	ActionUnlock     = "unlock"
	ActionEndStream  = "end_stream"
)

// DefaultMaxAttempts bounds how many times a mutation is computed before a
// version conflict is surfaced to the caller.
const DefaultMaxAttempts = 3

// DefaultRetryBaseDelay is the first wait between conflicting attempts.
const DefaultRetryBaseDelay = 10 * time.Millisecond

// MediaProvider is the RTC side of a committed role change.
type MediaProvider interface {
	// OnRoleRevoked stops every track participantID publishes.
	OnRoleRevoked(ctx context.Context, s *stream.Session, participantID string) error
	// OnSessionEnded disconnects everyone and releases the media room.
	OnSessionEnded(ctx context.Context, s *stream.Session) error
}

// PermissionSyncer is implemented by providers that can update publish
// grants of a connected participant without a reconnect.
type PermissionSyncer interface {
	SyncPermissions(ctx context.Context, s *stream.Session, participantID string, perms stream.Permissions) error
}

// RoomStateSyncer is implemented by providers that mirror session-level
// state (lock, presenter, co-host) onto the media room.
type RoomStateSyncer interface {
	SyncRoomState(ctx context.Context, s *stream.Session) error
}

// Archiver stores the final record of an ended session.
type Archiver interface {
	Archive(ctx context.Context, s *stream.Session) error
}

// Options configures a Coordinator. Zero values select defaults; every
// collaborator is optional.
type Options struct {
	Media          MediaProvider
	Audit          audit.Repository
	Metrics        *stream.Metrics
	Archiver       Archiver
	Logger         *slog.Logger
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Now            func() time.Time
}

// Coordinator applies role and lifecycle actions to stored sessions.
type Coordinator struct {
	store          stream.SessionStore
	media          MediaProvider
	audit          audit.Repository
	metrics        *stream.Metrics
	archiver       Archiver
	logger         *slog.Logger
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

// New creates a Coordinator over store.
func New(store stream.SessionStore, opts Options) *Coordinator {
	c := &Coordinator{
		store:          store,
		media:          opts.Media,
		audit:          opts.Audit,
		metrics:        opts.Metrics,
		archiver:       opts.Archiver,
		logger:         opts.Logger,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		now:            opts.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.retryBaseDelay <= 0 {
		c.retryBaseDelay = DefaultRetryBaseDelay
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// StartLive opens a new session in roomID hosted by actorID.
func (c *Coordinator) StartLive(ctx context.Context, actorID, roomID string, kind stream.StreamKind) (s *stream.Session, err error) {
	start := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "stream."+ActionStartLive)
	defer func() { endSpan(err) }()
	defer func() { c.observe(ActionStartLive, outcomeOf(err, false), start) }()

	next, err := stream.StartLive(actorID, roomID, kind, c.now())
	if err != nil {
		return nil, err
	}
	created, err := c.store.Create(ctx, next)
	if err != nil {
		return nil, err
	}

	tracing.SetAttributes(ctx, tracing.SessionAttributes(created.ID, created.Version)...)
	c.logger.Info("stream started",
		slog.String("stream_id", created.ID),
		slog.String("room_id", created.RoomID),
		slog.String("actor_id", actorID),
		slog.String("stream_kind", string(created.StreamKind)))
	c.recordAudit(ctx, actorID, created.ID, audit.ActionStreamStart, "", nil)
	return created, nil
}

// Get returns the current snapshot of a session.
func (c *Coordinator) Get(ctx context.Context, id string) (*stream.Session, error) {
	return c.store.Get(ctx, id)
}

// ActiveForRoom returns the session currently live in roomID, or
// stream.ErrStreamNotFound when the room is idle.
func (c *Coordinator) ActiveForRoom(ctx context.Context, roomID string) (*stream.Session, error) {
	return c.store.GetActiveForRoom(ctx, roomID)
}

// Permissions reports what participantID may publish right now.
func (c *Coordinator) Permissions(ctx context.Context, id, participantID string) (stream.Permissions, error) {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return stream.Permissions{}, err
	}
	return stream.PermissionsFor(s, participantID), nil
}

// Join admits actorID as an audience member.
func (c *Coordinator) Join(ctx context.Context, id, actorID string) (*stream.Session, error) {
	return c.mutate(ctx, ActionJoin, id, actorID, "", func(s *stream.Session) (*stream.Session, error) {
		if err := stream.CanJoin(s, actorID); err != nil {
			return nil, err
		}
		return withRoster(s)(stream.Join(s.Roster, actorID, c.now()))
	})
}

// Leave drops actorID from the roster, giving up any co-host state.
func (c *Coordinator) Leave(ctx context.Context, id, actorID string) (*stream.Session, error) {
	return c.mutate(ctx, ActionLeave, id, actorID, "", func(s *stream.Session) (*stream.Session, error) {
		return withRoster(s)(stream.Leave(s.Roster, s.HostID, actorID))
	})
}

// Invite offers the co-host slot to targetID.
func (c *Coordinator) Invite(ctx context.Context, id, actorID, targetID string) (*stream.Session, error) {
	return c.mutate(ctx, ActionInvite, id, actorID, targetID, func(s *stream.Session) (*stream.Session, error) {
		return withRoster(s)(stream.Invite(s.Roster, s.HostID, actorID, targetID))
	})
}

// Accept takes the caller's pending invitation.
func (c *Coordinator) Accept(ctx context.Context, id, actorID string) (*stream.Session, error) {
	return c.mutate(ctx, ActionAccept, id, actorID, "", func(s *stream.Session) (*stream.Session, error) {
		return withRoster(s)(stream.Accept(s.Roster, actorID))
	})
}

// Decline refuses the caller's pending invitation.
func (c *Coordinator) Decline(ctx context.Context, id, actorID string) (*stream.Session, error) {
	return c.mutate(ctx, ActionDecline, id, actorID, "", func(s *stream.Session) (*stream.Session, error) {
		return withRoster(s)(stream.Decline(s.Roster, actorID))
	})
}

// Remove sends targetID back to the audience.
func (c *Coordinator) Remove(ctx context.Context, id, actorID, targetID string) (*stream.Session, error) {
	return c.mutate(ctx, ActionRemove, id, actorID, targetID, func(s *stream.Session) (*stream.Session, error) {
		return withRoster(s)(stream.Remove(s.Roster, s.HostID, actorID, targetID))
	})
}

// StartShare claims the presenter slot for actorID.
func (c *Coordinator) StartShare(ctx context.Context, id, actorID string) (*stream.Session, error) {
	return c.mutate(ctx, ActionStartShare, id, actorID, "", func(s *stream.Session) (*stream.Session, error) {
		if s.StreamKind == stream.StreamKindChatOnly || !s.Roster.StageOf(actorID).OnStage() {
			return nil, stream.ErrNotAuthorizedActor
		}
		presenter, err := stream.StartShare(s.PresenterID, actorID)
		if err != nil {
			return nil, err
		}
		out := s.Clone()
		out.PresenterID = presenter
		return out, nil
	})
}

// StopShare releases the presenter slot if actorID holds it.
func (c *Coordinator) StopShare(ctx context.Context, id, actorID string) (*stream.Session, error) {
	return c.mutate(ctx, ActionStopShare, id, actorID, "", func(s *stream.Session) (*stream.Session, error) {
		out := s.Clone()
		out.PresenterID = stream.StopShare(s.PresenterID, actorID)
		return out, nil
	})
}

// SetLocked locks or unlocks the session to new audience members.
func (c *Coordinator) SetLocked(ctx context.Context, id, actorID string, locked bool) (*stream.Session, error) {
	action := ActionUnlock
	if locked {
		action = ActionLock
	}
	return c.mutate(ctx, action, id, actorID, "", func(s *stream.Session) (*stream.Session, error) {
		return stream.SetLocked(s, actorID, locked)
	})
}

// EndStream terminates the session. Ending an ended session returns it unchanged.
func (c *Coordinator) EndStream(ctx context.Context, id, actorID string) (*stream.Session, error) {
	return c.mutate(ctx, ActionEndStream, id, actorID, "", func(s *stream.Session) (*stream.Session, error) {
		return stream.EndStream(s, actorID, c.now())
	})
}

func withRoster(s *stream.Session) func(stream.Roster, error) (*stream.Session, error) {
	return func(r stream.Roster, err error) (*stream.Session, error) {
		if err != nil {
			return nil, err
		}
		out := s.Clone()
		out.Roster = r
		return out, nil
	}
}

// mutate runs decide against the freshest snapshot and commits the result.
// Only ErrConcurrentModification is retried.
func (c *Coordinator) mutate(ctx context.Context, action, id, actorID, targetID string, decide func(*stream.Session) (*stream.Session, error)) (result *stream.Session, err error) {
	start := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "stream."+action)
	tracing.SetAttributes(ctx,
		attribute.String("stream.id", id),
		attribute.String("stream.action", action))

	var prev *stream.Session
	noop := false
	attempts := 0

	op := func() error {
		attempts++
		current, err := c.store.Get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if current.IsEnded() && action != ActionEndStream {
			return backoff.Permanent(stream.ErrSessionEnded)
		}
		next, err := decide(current)
		if err != nil {
			return backoff.Permanent(err)
		}
		stream.ReconcilePresenter(next)
		if sameState(current, next) {
			prev, result, noop = current, current, true
			return nil
		}
		updated, err := c.store.Update(ctx, next, current.Version)
		if errors.Is(err, stream.ErrConcurrentModification) {
			if c.metrics != nil {
				c.metrics.IncConflicts()
			}
			c.logger.Debug("version conflict, recomputing",
				slog.String("stream_id", id),
				slog.String("action", action),
				slog.Int("attempt", attempts))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		prev, result, noop = current, updated, false
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBaseDelay
	b.MaxInterval = 20 * c.retryBaseDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)

	err = backoff.Retry(op, policy)
	tracing.SetAttributes(ctx, attribute.Int("stream.attempts", attempts))
	if result != nil {
		tracing.SetAttributes(ctx, attribute.Int64("stream.version", result.Version))
	}
	endSpan(err)

	c.observe(action, outcomeOf(err, noop), start)
	if err != nil {
		c.logRejection(action, id, actorID, err)
		if auditAction, ok := auditActions[action]; ok && isRejection(err) {
			c.recordAudit(ctx, actorID, id, auditAction, targetID, err)
		}
		return nil, err
	}
	if noop {
		return result, nil
	}

	c.logger.Info("stream mutation committed",
		slog.String("stream_id", id),
		slog.String("action", action),
		slog.String("actor_id", actorID),
		slog.Int64("version", result.Version))
	c.afterCommit(ctx, action, actorID, targetID, prev, result)
	return result, nil
}

// sameState reports whether next would leave the stored record unchanged.
func sameState(a, b *stream.Session) bool {
	if a.Status != b.Status || a.PresenterID != b.PresenterID {
		return false
	}
	if (a.EndedAt == nil) != (b.EndedAt == nil) {
		return false
	}
	if a.EndedAt != nil && !a.EndedAt.Equal(*b.EndedAt) {
		return false
	}
	return a.Roster.Equal(b.Roster)
}

var auditActions = map[string]string{
	ActionInvite:    audit.ActionCoHostInvite,
	ActionRemove:    audit.ActionParticipantKick,
	ActionLock:      audit.ActionStreamLock,
	ActionUnlock:    audit.ActionStreamUnlock,
	ActionEndStream: audit.ActionStreamEnd,
}

// afterCommit pushes a committed change out to the media provider, the audit
// trail and the archive. Failures here are logged; the write already stands
// and clients converge from the snapshot.
func (c *Coordinator) afterCommit(ctx context.Context, action, actorID, targetID string, prev, next *stream.Session) {
	if auditAction, ok := auditActions[action]; ok {
		c.recordAudit(ctx, actorID, next.ID, auditAction, targetID, nil)
	}

	if next.IsEnded() {
		if c.media != nil {
			if err := c.media.OnSessionEnded(ctx, next); err != nil {
				c.logger.Warn("media teardown failed",
					slog.String("stream_id", next.ID),
					slog.String("error", err.Error()))
			}
		}
		if c.archiver != nil {
			if err := c.archiver.Archive(ctx, next); err != nil {
				c.logger.Warn("session archive failed",
					slog.String("stream_id", next.ID),
					slog.String("error", err.Error()))
			}
		}
		return
	}

	for _, id := range revoked(prev, next) {
		if c.metrics != nil {
			c.metrics.IncRoleRevocations()
		}
		if c.media == nil {
			continue
		}
		if err := c.media.OnRoleRevoked(ctx, next, id); err != nil {
			c.logger.Warn("role revocation failed",
				slog.String("stream_id", next.ID),
				slog.String("participant_id", id),
				slog.String("error", err.Error()))
		}
	}
	c.syncPermissions(ctx, prev, next)
	c.syncRoomState(ctx, prev, next)
}

func (c *Coordinator) syncRoomState(ctx context.Context, prev, next *stream.Session) {
	syncer, ok := c.media.(RoomStateSyncer)
	if !ok {
		return
	}
	oldCo, _ := prev.Roster.AcceptedCoHost()
	newCo, _ := next.Roster.AcceptedCoHost()
	if prev.Status == next.Status && prev.PresenterID == next.PresenterID && oldCo.ID == newCo.ID {
		return
	}
	if err := syncer.SyncRoomState(ctx, next); err != nil {
		c.logger.Warn("room state sync failed",
			slog.String("stream_id", next.ID),
			slog.String("error", err.Error()))
	}
}

// revoked lists participants who were on stage in prev and are not in next.
func revoked(prev, next *stream.Session) []string {
	var ids []string
	for _, p := range prev.Roster {
		if p.Stage.OnStage() && !next.Roster.StageOf(p.ID).OnStage() {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// syncPermissions updates the grants of connected participants whose
// publish rights changed but who are still on stage.
func (c *Coordinator) syncPermissions(ctx context.Context, prev, next *stream.Session) {
	syncer, ok := c.media.(PermissionSyncer)
	if !ok {
		return
	}
	for _, p := range next.Roster {
		perms := stream.PermissionsFor(next, p.ID)
		if !perms.Any() || perms == stream.PermissionsFor(prev, p.ID) {
			continue
		}
		if err := syncer.SyncPermissions(ctx, next, p.ID, perms); err != nil {
			c.logger.Warn("permission sync failed",
				slog.String("stream_id", next.ID),
				slog.String("participant_id", p.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Coordinator) recordAudit(ctx context.Context, actorID, streamID, action, targetID string, cause error) {
	if c.audit == nil {
		return
	}
	outcome := audit.OutcomeSuccess
	if cause != nil {
		outcome = audit.OutcomeFailure
	}
	if err := audit.LogStreamAction(ctx, c.audit, actorID, streamID, action, targetID, outcome); err != nil {
		c.logger.Error("failed to write audit entry",
			slog.String("stream_id", streamID),
			slog.String("action", action),
			slog.String("error", err.Error()))
	}
}

func (c *Coordinator) logRejection(action, id, actorID string, err error) {
	level := slog.LevelInfo
	if !isRejection(err) {
		level = slog.LevelError
	}
	c.logger.Log(context.Background(), level, "stream mutation failed",
		slog.String("stream_id", id),
		slog.String("action", action),
		slog.String("actor_id", actorID),
		slog.String("error", err.Error()))
}

func (c *Coordinator) observe(action, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveMutation(action, outcome, time.Since(start).Seconds())
}

// isRejection reports whether err is a business rule refusal rather than an
// infrastructure failure.
func isRejection(err error) bool {
	for _, target := range []error{
		stream.ErrNotHost,
		stream.ErrNotAuthorizedActor,
		stream.ErrCoHostSlotOccupied,
		stream.ErrNoPendingInvitation,
		stream.ErrPresenterSlotOccupied,
		stream.ErrNotParticipant,
		stream.ErrHostCannotLeave,
		stream.ErrSessionEnded,
		stream.ErrSessionLocked,
		stream.ErrInvalidStreamKind,
		stream.ErrRoomRequired,
		stream.ErrStreamNotFound,
		stream.ErrSessionAlreadyLive,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func outcomeOf(err error, noop bool) string {
	switch {
	case err == nil && noop:
		return stream.OutcomeNoop
	case err == nil:
		return stream.OutcomeCommitted
	case errors.Is(err, stream.ErrConcurrentModification):
		return stream.OutcomeConflict
	case isRejection(err):
		return stream.OutcomeRejected
	default:
		return stream.OutcomeError
	}
}
