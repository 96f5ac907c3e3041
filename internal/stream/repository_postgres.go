package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/livestage/internal/tracing"
)

const sessionsTable = "stream_sessions"

// pgUniqueViolation is the SQLSTATE raised by the one-live-session-per-room index.
const pgUniqueViolation = "23505"

const selectSessionColumns = `
	SELECT id, room_id, host_id, stream_kind, status, presenter_id,
	       version, roster, created_at, ended_at
	FROM stream_sessions`

// PostgresSessionStore implements SessionStore on PostgreSQL. The roster is
// stored as JSONB and rewritten whole on every update.
type PostgresSessionStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSessionStore creates a new PostgresSessionStore.
func NewPostgresSessionStore(db *sql.DB, logger *slog.Logger) *PostgresSessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSessionStore{
		db:     db,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s         Session
		presenter sql.NullString
		endedAt   sql.NullTime
		roster    []byte
	)
	err := row.Scan(&s.ID, &s.RoomID, &s.HostID, &s.StreamKind, &s.Status, &presenter,
		&s.Version, &roster, &s.CreatedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if presenter.Valid {
		s.PresenterID = presenter.String
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		s.EndedAt = &t
	}
	s.CreatedAt = s.CreatedAt.UTC()
	if err := json.Unmarshal(roster, &s.Roster); err != nil {
		return nil, fmt.Errorf("decode roster of session %s: %w", s.ID, err)
	}
	return &s, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
}

// Create inserts a new session at version 1.
func (r *PostgresSessionStore) Create(ctx context.Context, s *Session) (_ *Session, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, sessionsTable, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	next, err := prepareCreate(s)
	if err != nil {
		return nil, err
	}
	roster, err := json.Marshal(next.Roster)
	if err != nil {
		return nil, fmt.Errorf("encode roster: %w", err)
	}

	query := `
		INSERT INTO stream_sessions (id, room_id, host_id, stream_kind, status, presenter_id,
		                             version, roster, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		next.ID, next.RoomID, next.HostID, next.StreamKind, next.Status, nullString(next.PresenterID),
		next.Version, roster, next.CreatedAt, nullTime(next.EndedAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return nil, ErrSessionAlreadyLive
		}
		r.logger.Error("failed to insert stream session",
			slog.String("error", err.Error()),
			slog.String("stream_id", next.ID),
			slog.String("room_id", next.RoomID))
		return nil, unavailable(err)
	}
	return next, nil
}

// Get retrieves a session by ID.
func (r *PostgresSessionStore) Get(ctx context.Context, id string) (_ *Session, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, sessionsTable, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	s, err := scanSession(r.db.QueryRowContext(ctx, selectSessionColumns+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return s, nil
}

// GetActiveForRoom retrieves the non-ended session for a room.
func (r *PostgresSessionStore) GetActiveForRoom(ctx context.Context, roomID string) (_ *Session, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, sessionsTable, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := selectSessionColumns + ` WHERE room_id = $1 AND status <> 'ended'`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return s, nil
}

// Update locks the stored row, checks the base version and invariants against
// it, and rewrites the record.
func (r *PostgresSessionStore) Update(ctx context.Context, s *Session, baseVersion int64) (_ *Session, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, sessionsTable, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to begin transaction: %w", err))
	}
	// Always attempt rollback on function exit (no-op after successful commit)
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Warn("failed to rollback transaction",
				slog.String("error", rbErr.Error()))
		}
	}()

	current, err := scanSession(tx.QueryRowContext(ctx, selectSessionColumns+` WHERE id = $1 FOR UPDATE`, s.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}

	next, err := prepareUpdate(current, s, baseVersion)
	if err != nil {
		return nil, err
	}
	roster, err := json.Marshal(next.Roster)
	if err != nil {
		return nil, fmt.Errorf("encode roster: %w", err)
	}

	query := `
		UPDATE stream_sessions
		SET status = $1, presenter_id = $2, roster = $3, ended_at = $4, version = $5
		WHERE id = $6 AND version = $7
	`
	res, err := tx.ExecContext(ctx, query,
		next.Status, nullString(next.PresenterID), roster, nullTime(next.EndedAt), next.Version,
		next.ID, baseVersion)
	if err != nil {
		return nil, unavailable(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrConcurrentModification
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error("failed to commit stream session update",
			slog.String("error", err.Error()),
			slog.String("stream_id", next.ID))
		return nil, unavailable(err)
	}
	return next, nil
}
