// Package viewer keeps a client's local view of a live session converged with
// the stored record. Every update, whether pushed by the change feed or
// fetched after a reconnect, goes through Reconciler.Apply.
package viewer

import (
	"log/slog"
	"sync"

	"github.com/onnwee/livestage/internal/stream"
)

// NotificationKind identifies a transition the local viewer cares about.
type NotificationKind string

// Notification kinds.
const (
	NotifyInvited            NotificationKind = "invited"
	NotifyInvitationAccepted NotificationKind = "invitation-accepted"
	NotifyInvitationClosed   NotificationKind = "invitation-withdrawn-or-declined"
	NotifyRemovedFromStage   NotificationKind = "removed-from-stage"
	NotifyCoHostChanged      NotificationKind = "co-host-changed"
	NotifyPresenterChanged   NotificationKind = "presenter-changed"
	NotifySessionLocked      NotificationKind = "session-locked"
	NotifySessionUnlocked    NotificationKind = "session-unlocked"
	NotifySessionEnded       NotificationKind = "session-ended"
	NotifyLeft               NotificationKind = "left"
)

// Notification is raised once per detected transition. Kinds are derived
// from snapshots, which do not record who acted: a pending invitation that
// returns to the audience raises NotifyInvitationClosed whether the invitee
// declined or the host withdrew it.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	SessionID string           `json:"session_id"`
	// SubjectID is the participant the transition is about, if any.
	SubjectID string `json:"subject_id,omitempty"`
	Version   int64  `json:"version"`
}

// Reconciler holds the latest accepted snapshot for one viewer.
// It is safe for concurrent use.
type Reconciler struct {
	sessionID string
	viewerID  string
	notify    func(Notification)
	logger    *slog.Logger

	mu      sync.Mutex
	current *stream.Session
	deleted bool
}

// NewReconciler creates a reconciler for viewerID's view of sessionID.
// notify may be nil.
func NewReconciler(sessionID, viewerID string, notify func(Notification), logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		sessionID: sessionID,
		viewerID:  viewerID,
		notify:    notify,
		logger:    logger,
	}
}

// Apply replaces local state with snapshot if it is newer than what is held,
// and returns the notifications it raised. Stale, duplicate and foreign
// snapshots are ignored. The first snapshot establishes a baseline and
// raises nothing.
func (r *Reconciler) Apply(snapshot *stream.Session) []Notification {
	if snapshot == nil || snapshot.ID != r.sessionID {
		return nil
	}

	r.mu.Lock()
	if r.deleted || (r.current != nil && snapshot.Version <= r.current.Version) {
		r.mu.Unlock()
		r.logger.Debug("ignoring stale snapshot",
			slog.String("stream_id", snapshot.ID),
			slog.Int64("version", snapshot.Version))
		return nil
	}
	prev := r.current
	r.current = snapshot.Clone()
	r.mu.Unlock()

	var out []Notification
	if prev != nil {
		out = diff(prev, snapshot, r.viewerID)
	}
	r.emit(out)
	return out
}

// ApplyEvent routes a change-feed event through Apply.
func (r *Reconciler) ApplyEvent(ev *stream.ChangeEvent) []Notification {
	if ev == nil || ev.SessionID() != r.sessionID {
		return nil
	}
	if ev.EventType == stream.EventDelete {
		return r.ApplyDeleted()
	}
	return r.Apply(ev.New)
}

// ApplyDeleted records that the session record no longer exists. It behaves
// like an end of the session and is reported once.
func (r *Reconciler) ApplyDeleted() []Notification {
	r.mu.Lock()
	if r.deleted {
		r.mu.Unlock()
		return nil
	}
	r.deleted = true
	alreadyEnded := r.current != nil && r.current.IsEnded()
	var version int64
	if r.current != nil {
		version = r.current.Version
	}
	r.mu.Unlock()

	if alreadyEnded {
		return nil
	}
	out := []Notification{{Kind: NotifySessionEnded, SessionID: r.sessionID, Version: version}}
	r.emit(out)
	return out
}

// Snapshot returns a copy of the current local state, or nil before the first Apply.
func (r *Reconciler) Snapshot() *stream.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Clone()
}

// Version returns the version of the held snapshot, 0 when none.
func (r *Reconciler) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return 0
	}
	return r.current.Version
}

// Ended reports whether the session is over from this viewer's perspective.
func (r *Reconciler) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleted || (r.current != nil && r.current.IsEnded())
}

// Permissions reports what the local viewer may publish in the held snapshot.
func (r *Reconciler) Permissions() stream.Permissions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return stream.PermissionsFor(r.current, r.viewerID)
}

func (r *Reconciler) emit(ns []Notification) {
	if r.notify == nil {
		return
	}
	for _, n := range ns {
		r.notify(n)
	}
}

// diff lists the transitions between prev and next that matter to viewerID.
func diff(prev, next *stream.Session, viewerID string) []Notification {
	var out []Notification
	add := func(kind NotificationKind, subject string) {
		out = append(out, Notification{Kind: kind, SessionID: next.ID, SubjectID: subject, Version: next.Version})
	}

	if next.IsEnded() {
		if !prev.IsEnded() {
			add(NotifySessionEnded, "")
		}
		return out
	}

	switch {
	case prev.Status == stream.StatusLive && next.Status == stream.StatusLocked:
		add(NotifySessionLocked, "")
	case prev.Status == stream.StatusLocked && next.Status == stream.StatusLive:
		add(NotifySessionUnlocked, "")
	}

	// the viewer's own stage
	before, wasPresent := prev.Roster.Find(viewerID)
	after, isPresent := next.Roster.Find(viewerID)
	switch {
	case wasPresent && !isPresent:
		add(NotifyLeft, viewerID)
	case before.Stage != stream.StageCoHostPending && after.Stage == stream.StageCoHostPending:
		add(NotifyInvited, viewerID)
	case before.Stage == stream.StageCoHostPending && after.Stage == stream.StageCoHostAccepted:
		add(NotifyInvitationAccepted, viewerID)
	case before.Stage == stream.StageCoHostPending && after.Stage == stream.StageAudience:
		add(NotifyInvitationClosed, viewerID)
	case before.Stage == stream.StageCoHostAccepted && after.Stage == stream.StageAudience:
		add(NotifyRemovedFromStage, viewerID)
	}

	// the host follows its invitee
	if next.IsHost(viewerID) {
		for _, p := range prev.Roster {
			if p.Stage != stream.StageCoHostPending {
				continue
			}
			switch next.Roster.StageOf(p.ID) {
			case stream.StageCoHostAccepted:
				add(NotifyInvitationAccepted, p.ID)
			case stream.StageAudience:
				add(NotifyInvitationClosed, p.ID)
			}
		}
	}

	// an on-stage participant leaving is visible to everyone
	for _, p := range prev.Roster {
		if p.ID == viewerID || !p.Stage.OnStage() {
			continue
		}
		if next.Roster.Index(p.ID) < 0 {
			add(NotifyLeft, p.ID)
		}
	}

	oldCo, _ := prev.Roster.AcceptedCoHost()
	newCo, _ := next.Roster.AcceptedCoHost()
	if oldCo.ID != newCo.ID && !mentions(out, oldCo.ID) && !mentions(out, newCo.ID) {
		add(NotifyCoHostChanged, newCo.ID)
	}

	if prev.PresenterID != next.PresenterID {
		add(NotifyPresenterChanged, next.PresenterID)
	}
	return out
}

func mentions(ns []Notification, id string) bool {
	if id == "" {
		return false
	}
	for _, n := range ns {
		if n.SubjectID == id {
			return true
		}
	}
	return false
}
