package telemetry

import (
	"context"
	"errors"
	"time"
)

// Reading is one telemetry sample from a bin sensor.
type Reading struct {
	DeviceID string
	TS       time.Time
	FillPct  float64
	BattV    *float64
	TempC    *float64
	Emptied  bool
	Lat      *float64
	Lon      *float64
}

// Validate checks reading invariants. fill_pct is the one required field
// and must be a percentage.
func (r Reading) Validate() error {
	if r.DeviceID == "" {
		return errors.New("telemetry: empty device id")
	}
	if r.TS.IsZero() {
		return errors.New("telemetry: missing timestamp")
	}
	if r.FillPct < 0 || r.FillPct > 100 {
		return errors.New("telemetry: fill_pct out of range")
	}
	return nil
}

// Repository persists telemetry readings.
type Repository interface {
	Insert(ctx context.Context, reading *Reading) error
	ListRecent(ctx context.Context, deviceID string, limit int) ([]Reading, error)

	// LatestFill returns the newest fill_pct per device for the given ids.
	// Devices with no telemetry are absent from the result.
	LatestFill(ctx context.Context, deviceIDs []string) (map[string]float64, error)
}
