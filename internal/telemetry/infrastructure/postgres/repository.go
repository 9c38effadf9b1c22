package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	telemetry "cleanroute-cloud/internal/telemetry/domain"
)

// TelemetryRepository is a Postgres implementation for readings.
type TelemetryRepository struct {
	db *sql.DB
}

// NewTelemetryRepository constructs a repository.
func NewTelemetryRepository(db *sql.DB) *TelemetryRepository {
	return &TelemetryRepository{db: db}
}

// Insert stores one reading.
func (r *TelemetryRepository) Insert(ctx context.Context, reading *telemetry.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("telemetry repo: nil db")
	}
	if reading == nil {
		return errors.New("telemetry repo: nil reading")
	}
	if err := reading.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO telemetry (bin_id, ts, fill_pct, batt_v, temp_c, emptied, lat, lon)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		reading.DeviceID, reading.TS, reading.FillPct, reading.BattV, reading.TempC,
		reading.Emptied, reading.Lat, reading.Lon)
	return err
}

// ListRecent returns the newest readings for a device.
func (r *TelemetryRepository) ListRecent(ctx context.Context, deviceID string, limit int) ([]telemetry.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("telemetry repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT bin_id, ts, fill_pct, batt_v, temp_c, emptied, lat, lon
FROM telemetry
WHERE bin_id = $1
ORDER BY ts DESC
LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.Reading
	for rows.Next() {
		var reading telemetry.Reading
		if err := rows.Scan(&reading.DeviceID, &reading.TS, &reading.FillPct,
			&reading.BattV, &reading.TempC, &reading.Emptied, &reading.Lat, &reading.Lon); err != nil {
			return nil, err
		}
		reading.TS = reading.TS.UTC()
		result = append(result, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// LatestFill returns the newest fill_pct per device. Devices with no
// telemetry rows are absent from the result.
func (r *TelemetryRepository) LatestFill(ctx context.Context, deviceIDs []string) (map[string]float64, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("telemetry repo: nil db")
	}
	if len(deviceIDs) == 0 {
		return map[string]float64{}, nil
	}

	placeholders := make([]string, 0, len(deviceIDs))
	args := make([]any, 0, len(deviceIDs))
	for i, id := range deviceIDs {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, id)
	}
	query := fmt.Sprintf(`
SELECT DISTINCT ON (bin_id) bin_id, fill_pct
FROM telemetry
WHERE bin_id IN (%s)
ORDER BY bin_id, ts DESC`, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]float64, len(deviceIDs))
	for rows.Next() {
		var id string
		var fill float64
		if err := rows.Scan(&id, &fill); err != nil {
			return nil, err
		}
		result[id] = fill
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
