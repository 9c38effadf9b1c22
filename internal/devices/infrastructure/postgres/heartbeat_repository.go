package postgres

import (
	"context"
	"database/sql"
	"errors"

	devices "cleanroute-cloud/internal/devices/domain"
)

// HeartbeatRepository persists the append-only heartbeat log.
type HeartbeatRepository struct {
	db *sql.DB
}

// NewHeartbeatRepository constructs a repository.
func NewHeartbeatRepository(db *sql.DB) *HeartbeatRepository {
	return &HeartbeatRepository{db: db}
}

// Append inserts one heartbeat record. Rows are never updated.
func (r *HeartbeatRepository) Append(ctx context.Context, hb *devices.Heartbeat) error {
	if r == nil || r.db == nil {
		return errors.New("heartbeat repo: nil db")
	}
	if hb == nil || hb.DeviceID == "" {
		return errors.New("heartbeat repo: invalid heartbeat")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO heartbeats (bin_id, received_at, rssi, uptime_seconds, free_memory_kb, firmware_version)
VALUES ($1, $2, $3, $4, $5, $6)`,
		hb.DeviceID, hb.ReceivedAt, hb.RSSI, hb.UptimeSeconds, hb.FreeMemoryKB, nullString(hb.FirmwareVersion))
	return err
}

// ListRecent returns the newest heartbeats for a device.
func (r *HeartbeatRepository) ListRecent(ctx context.Context, deviceID string, limit int) ([]devices.Heartbeat, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("heartbeat repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT bin_id, received_at, rssi, uptime_seconds, free_memory_kb, firmware_version
FROM heartbeats
WHERE bin_id = $1
ORDER BY received_at DESC
LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devices.Heartbeat
	for rows.Next() {
		var hb devices.Heartbeat
		var firmware sql.NullString
		if err := rows.Scan(&hb.DeviceID, &hb.ReceivedAt, &hb.RSSI, &hb.UptimeSeconds, &hb.FreeMemoryKB, &firmware); err != nil {
			return nil, err
		}
		hb.ReceivedAt = hb.ReceivedAt.UTC()
		hb.FirmwareVersion = firmware.String
		result = append(result, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
