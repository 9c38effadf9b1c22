package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	workflows "cleanroute-cloud/internal/workflows/domain"
)

// FirmwareRepository is a Postgres implementation for firmware rollouts.
type FirmwareRepository struct {
	db *sql.DB
}

// NewFirmwareRepository constructs a repository.
func NewFirmwareRepository(db *sql.DB) *FirmwareRepository {
	return &FirmwareRepository{db: db}
}

const firmwareColumns = `update_id, bin_id, version, status, progress_pct, error, created_at, updated_at`

// Create inserts a rollout record.
func (r *FirmwareRepository) Create(ctx context.Context, update *workflows.FirmwareUpdate) error {
	if r == nil || r.db == nil {
		return errors.New("firmware repo: nil db")
	}
	if update == nil {
		return errors.New("firmware repo: nil update")
	}
	if err := update.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO firmware_updates (
	update_id, bin_id, version, status, progress_pct, error, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		update.UpdateID, update.DeviceID, update.Version, update.Status,
		update.ProgressPct, update.Error, update.CreatedAt, update.UpdatedAt)
	return err
}

// GetByID fetches an update by id. Returns nil when absent.
func (r *FirmwareRepository) GetByID(ctx context.Context, updateID string) (*workflows.FirmwareUpdate, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("firmware repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+firmwareColumns+`
FROM firmware_updates
WHERE update_id = $1
LIMIT 1`, updateID)
	return scanFirmwareUpdate(row)
}

// GetActiveByDevice fetches the newest non-terminal update for a device.
func (r *FirmwareRepository) GetActiveByDevice(ctx context.Context, deviceID string) (*workflows.FirmwareUpdate, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("firmware repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+firmwareColumns+`
FROM firmware_updates
WHERE bin_id = $1 AND status NOT IN ($2, $3)
ORDER BY created_at DESC
LIMIT 1`, deviceID, workflows.FirmwareCompleted, workflows.FirmwareFailed)
	return scanFirmwareUpdate(row)
}

// UpdateStatus writes a device-reported status. The guard excludes terminal
// rows, making completed and failed sticky against late duplicates.
func (r *FirmwareRepository) UpdateStatus(ctx context.Context, updateID, status string, progressPct float64, errMsg string, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("firmware repo: nil db")
	}
	if !workflows.ValidFirmwareStatus(status) {
		return false, errors.New("firmware repo: invalid status " + status)
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE firmware_updates
SET status = $1, progress_pct = $2, error = $3, updated_at = $4
WHERE update_id = $5 AND status NOT IN ($6, $7)`,
		status, progressPct, errMsg, at, updateID,
		workflows.FirmwareCompleted, workflows.FirmwareFailed)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// ListByVersion lists rollout records for a firmware version.
func (r *FirmwareRepository) ListByVersion(ctx context.Context, version string, limit int) ([]workflows.FirmwareUpdate, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("firmware repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+firmwareColumns+`
FROM firmware_updates
WHERE version = $1
ORDER BY created_at DESC
LIMIT $2`, version, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []workflows.FirmwareUpdate
	for rows.Next() {
		update, err := scanFirmwareUpdate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *update)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanFirmwareUpdate(row rowScanner) (*workflows.FirmwareUpdate, error) {
	var update workflows.FirmwareUpdate
	var errMsg sql.NullString
	if err := row.Scan(
		&update.UpdateID,
		&update.DeviceID,
		&update.Version,
		&update.Status,
		&update.ProgressPct,
		&errMsg,
		&update.CreatedAt,
		&update.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if errMsg.Valid {
		update.Error = errMsg.String
	}
	update.CreatedAt = update.CreatedAt.UTC()
	update.UpdatedAt = update.UpdatedAt.UTC()
	return &update, nil
}
