package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	shadow "cleanroute-cloud/internal/shadow/domain"
)

// ShadowRepository is a Postgres implementation for device shadows.
type ShadowRepository struct {
	db *sql.DB
}

// NewShadowRepository constructs a repository.
func NewShadowRepository(db *sql.DB) *ShadowRepository {
	return &ShadowRepository{db: db}
}

// Get loads a shadow by device id. Returns nil when absent.
func (r *ShadowRepository) Get(ctx context.Context, deviceID string) (*shadow.Shadow, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("shadow repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("shadow repo: empty device id")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT bin_id, reported_state, desired_state, version, last_reported_at, last_desired_at
FROM device_shadows
WHERE bin_id = $1
LIMIT 1`, deviceID)

	var result shadow.Shadow
	var reported, desired []byte
	var lastReported, lastDesired sql.NullTime
	if err := row.Scan(&result.DeviceID, &reported, &desired, &result.Version, &lastReported, &lastDesired); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(reported, &result.Reported); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(desired, &result.Desired); err != nil {
		return nil, err
	}
	if lastReported.Valid {
		result.LastReportedAt = lastReported.Time.UTC()
	}
	if lastDesired.Valid {
		result.LastDesiredAt = lastDesired.Time.UTC()
	}
	return &result, nil
}

// Create inserts a fresh shadow at version 1.
func (r *ShadowRepository) Create(ctx context.Context, s *shadow.Shadow) error {
	if r == nil || r.db == nil {
		return errors.New("shadow repo: nil db")
	}
	if s == nil {
		return errors.New("shadow repo: nil shadow")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	reported, desired, err := marshalStates(s)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO device_shadows (bin_id, reported_state, desired_state, version, last_reported_at, last_desired_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		s.DeviceID, reported, desired, s.Version, nullTime(s.LastReportedAt), nullTime(s.LastDesiredAt))
	return err
}

// UpdateReported writes the reported side under a version guard.
func (r *ShadowRepository) UpdateReported(ctx context.Context, s *shadow.Shadow, expectedVersion int) error {
	return r.update(ctx, s, expectedVersion, `
UPDATE device_shadows
SET reported_state = $1, version = $2, last_reported_at = $3
WHERE bin_id = $4 AND version = $5`, true)
}

// UpdateDesired writes the desired side under a version guard.
func (r *ShadowRepository) UpdateDesired(ctx context.Context, s *shadow.Shadow, expectedVersion int) error {
	return r.update(ctx, s, expectedVersion, `
UPDATE device_shadows
SET desired_state = $1, version = $2, last_desired_at = $3
WHERE bin_id = $4 AND version = $5`, false)
}

func (r *ShadowRepository) update(ctx context.Context, s *shadow.Shadow, expectedVersion int, query string, reportedSide bool) error {
	if r == nil || r.db == nil {
		return errors.New("shadow repo: nil db")
	}
	if s == nil {
		return errors.New("shadow repo: nil shadow")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	reported, desired, err := marshalStates(s)
	if err != nil {
		return err
	}
	state := reported
	at := nullTime(s.LastReportedAt)
	if !reportedSide {
		state = desired
		at = nullTime(s.LastDesiredAt)
	}
	result, err := r.db.ExecContext(ctx, query, state, s.Version, at, s.DeviceID, expectedVersion)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return shadow.ErrVersionConflict
	}
	return nil
}

func marshalStates(s *shadow.Shadow) ([]byte, []byte, error) {
	reported, err := json.Marshal(s.Reported)
	if err != nil {
		return nil, nil, err
	}
	desired, err := json.Marshal(s.Desired)
	if err != nil {
		return nil, nil, err
	}
	return reported, desired, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
