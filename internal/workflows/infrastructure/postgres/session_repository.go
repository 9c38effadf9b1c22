package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	workflows "cleanroute-cloud/internal/workflows/domain"
)

// SessionRepository is a Postgres implementation for collection sessions.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository constructs a repository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `session_id, zone_id, phase, bins_total, bins_responded,
	bins_collected, started_at, checked_at, finished_at, ended_at`

// Create inserts a session. The insert is conditional on the zone having no
// non-ended session; losing that race returns ErrSessionActive.
func (r *SessionRepository) Create(ctx context.Context, session *workflows.CollectionSession) error {
	if r == nil || r.db == nil {
		return errors.New("session repo: nil db")
	}
	if session == nil {
		return errors.New("session repo: nil session")
	}
	if err := session.Validate(); err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
INSERT INTO collection_sessions (
	session_id, zone_id, phase, bins_total, bins_responded, bins_collected, started_at
)
SELECT $1, $2, $3, $4, $5, $6, $7
WHERE NOT EXISTS (
	SELECT 1 FROM collection_sessions WHERE zone_id = $2 AND phase <> $8
)`, session.SessionID, session.ZoneID, session.Phase, session.BinsTotal,
		session.BinsResponded, session.BinsCollected, session.StartedAt, workflows.PhaseEnded)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return workflows.ErrSessionActive
	}
	return nil
}

// GetByID fetches a session. Returns nil when absent.
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*workflows.CollectionSession, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("session repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM collection_sessions
WHERE session_id = $1
LIMIT 1`, sessionID)
	return scanSession(row)
}

// GetActiveByZone fetches the zone's non-ended session, if any.
func (r *SessionRepository) GetActiveByZone(ctx context.Context, zoneID string) (*workflows.CollectionSession, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("session repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM collection_sessions
WHERE zone_id = $1 AND phase <> $2
ORDER BY started_at DESC
LIMIT 1`, zoneID, workflows.PhaseEnded)
	return scanSession(row)
}

// Advance writes the session's phase, counts, and timestamps under a guard
// on the previous phase. Forward-only ordering is enforced here: a row that
// already moved on never matches.
func (r *SessionRepository) Advance(ctx context.Context, session *workflows.CollectionSession, fromPhase string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("session repo: nil db")
	}
	if session == nil {
		return false, errors.New("session repo: nil session")
	}
	if err := session.Validate(); err != nil {
		return false, err
	}
	if !workflows.CanAdvanceSession(fromPhase, session.Phase) {
		return false, errors.New("session repo: illegal transition " + fromPhase + " -> " + session.Phase)
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE collection_sessions
SET phase = $1, bins_total = $2, bins_responded = $3, bins_collected = $4,
	checked_at = $5, finished_at = $6, ended_at = $7
WHERE session_id = $8 AND phase = $9`,
		session.Phase, session.BinsTotal, session.BinsResponded, session.BinsCollected,
		nullTime(session.CheckedAt), nullTime(session.FinishedAt), nullTime(session.EndedAt),
		session.SessionID, fromPhase)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ListRecent lists the newest sessions across all zones.
func (r *SessionRepository) ListRecent(ctx context.Context, limit int) ([]workflows.CollectionSession, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("session repo: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM collection_sessions
ORDER BY started_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []workflows.CollectionSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanSession(row rowScanner) (*workflows.CollectionSession, error) {
	var session workflows.CollectionSession
	var checkedAt, finishedAt, endedAt sql.NullTime
	if err := row.Scan(
		&session.SessionID,
		&session.ZoneID,
		&session.Phase,
		&session.BinsTotal,
		&session.BinsResponded,
		&session.BinsCollected,
		&session.StartedAt,
		&checkedAt,
		&finishedAt,
		&endedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	session.StartedAt = session.StartedAt.UTC()
	if checkedAt.Valid {
		session.CheckedAt = checkedAt.Time.UTC()
	}
	if finishedAt.Valid {
		session.FinishedAt = finishedAt.Time.UTC()
	}
	if endedAt.Valid {
		session.EndedAt = endedAt.Time.UTC()
	}
	return &session, nil
}
