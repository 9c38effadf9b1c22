package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	devices "cleanroute-cloud/internal/devices/domain"
)

// DeviceRepository is a Postgres implementation for devices.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `bin_id, user_id, user_name, lat, lon, status, sleep_mode,
	firmware_version, last_seen, last_emptied, last_wake_command, registered_at, updated_at`

// Get loads a device by id. Returns nil when the device does not exist.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if id == "" {
		return nil, errors.New("device repo: empty id")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+deviceColumns+`
FROM bins
WHERE bin_id = $1
LIMIT 1`, id)
	return scanDevice(row)
}

// ListByPrefix loads devices whose id starts with any of the prefixes.
func (r *DeviceRepository) ListByPrefix(ctx context.Context, prefixes []string) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if len(prefixes) == 0 {
		return nil, nil
	}

	conditions := make([]string, 0, len(prefixes))
	args := make([]any, 0, len(prefixes))
	for i, prefix := range prefixes {
		conditions = append(conditions, "bin_id LIKE $"+strconv.Itoa(i+1))
		args = append(args, prefix+"%")
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT `+deviceColumns+`
FROM bins
WHERE `+strings.Join(conditions, " OR ")+`
ORDER BY bin_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDevices(rows)
}

// Save upserts a device registration.
func (r *DeviceRepository) Save(ctx context.Context, device *devices.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	status := device.Status
	if status == "" {
		status = devices.StatusUnknown
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO bins (bin_id, user_id, user_name, lat, lon, status, sleep_mode)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (bin_id)
DO UPDATE SET
	user_id = EXCLUDED.user_id,
	user_name = EXCLUDED.user_name,
	lat = EXCLUDED.lat,
	lon = EXCLUDED.lon,
	updated_at = NOW()`,
		device.ID, nullString(device.UserID), nullString(device.UserName),
		device.Lat, device.Lon, status, device.SleepMode)
	return err
}

// TouchOnline marks a device online and advances last_seen, inserting the
// row when the bin was never registered. Inbound traffic always wins, so
// there is no status guard here.
func (r *DeviceRepository) TouchOnline(ctx context.Context, id string, seenAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO bins (bin_id, status, last_seen)
VALUES ($1, $2, $3)
ON CONFLICT (bin_id)
DO UPDATE SET
	status = EXCLUDED.status,
	last_seen = GREATEST(COALESCE(bins.last_seen, EXCLUDED.last_seen), EXCLUDED.last_seen),
	updated_at = NOW()`, id, devices.StatusOnline, seenAt)
	return err
}

// UpdatePosition records the coordinates a bin last reported.
func (r *DeviceRepository) UpdatePosition(ctx context.Context, id string, lat, lon float64) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE bins SET lat = $1, lon = $2, updated_at = NOW() WHERE bin_id = $3`, lat, lon, id)
	return err
}

// SetSleepMode flips the sleep flag; waking also stamps last_wake_command.
func (r *DeviceRepository) SetSleepMode(ctx context.Context, id string, sleeping bool, wakeAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if sleeping {
		_, err := r.db.ExecContext(ctx, `
UPDATE bins SET sleep_mode = TRUE, updated_at = NOW() WHERE bin_id = $1`, id)
		return err
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE bins SET sleep_mode = FALSE, last_wake_command = $1, updated_at = NOW() WHERE bin_id = $2`, wakeAt, id)
	return err
}

// SetFirmwareVersion records the device-reported firmware version.
func (r *DeviceRepository) SetFirmwareVersion(ctx context.Context, id, version string) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if version == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE bins SET firmware_version = $1, updated_at = NOW() WHERE bin_id = $2`, version, id)
	return err
}

// SetLastEmptied records when the bin was last emptied.
func (r *DeviceRepository) SetLastEmptied(ctx context.Context, id string, emptiedAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE bins SET last_emptied = $1, updated_at = NOW() WHERE bin_id = $2`, emptiedAt, id)
	return err
}

// FindStale returns awake, non-offline devices whose last_seen is older than
// the cutoff or null. The predicate runs against current rows, so a heartbeat
// committed before the sweep is never shadowed by a cached value.
func (r *DeviceRepository) FindStale(ctx context.Context, cutoff time.Time) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+deviceColumns+`
FROM bins
WHERE sleep_mode = FALSE
  AND status <> $1
  AND (last_seen IS NULL OR last_seen < $2)
ORDER BY bin_id ASC`, devices.StatusOffline, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDevices(rows)
}

// MarkOfflineIfStale transitions a device to offline only if it is still
// stale at update time. A heartbeat racing the sweep bumps last_seen first
// and the guard makes this a no-op. Returns whether a row changed.
func (r *DeviceRepository) MarkOfflineIfStale(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("device repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE bins
SET status = $1, updated_at = NOW()
WHERE bin_id = $2
  AND status <> $1
  AND sleep_mode = FALSE
  AND (last_seen IS NULL OR last_seen < $3)`, devices.StatusOffline, id, cutoff)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func collectDevices(rows *sql.Rows) ([]devices.Device, error) {
	var result []devices.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*devices.Device, error) {
	var device devices.Device
	var userID, userName, firmware sql.NullString
	var lat, lon sql.NullFloat64
	var lastSeen, lastEmptied, lastWake sql.NullTime
	if err := row.Scan(
		&device.ID,
		&userID,
		&userName,
		&lat,
		&lon,
		&device.Status,
		&device.SleepMode,
		&firmware,
		&lastSeen,
		&lastEmptied,
		&lastWake,
		&device.RegisteredAt,
		&device.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	device.UserID = userID.String
	device.UserName = userName.String
	device.FirmwareVersion = firmware.String
	device.Lat = lat.Float64
	device.Lon = lon.Float64
	if lastSeen.Valid {
		device.LastSeen = lastSeen.Time.UTC()
	}
	if lastEmptied.Valid {
		device.LastEmptied = lastEmptied.Time.UTC()
	}
	if lastWake.Valid {
		device.LastWakeCommand = lastWake.Time.UTC()
	}
	device.RegisteredAt = device.RegisteredAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return &device, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
