package shadow

import (
	"context"
	"errors"
	"time"
)

// Shadow is the server-side twin of a device: the last state the device
// reported and the state operators want it to reach. version increments on
// every mutation of either side.
type Shadow struct {
	DeviceID       string
	Reported       State
	Desired        State
	Version        int
	LastReportedAt time.Time
	LastDesiredAt  time.Time
}

// Validate checks shadow invariants.
func (s Shadow) Validate() error {
	if s.DeviceID == "" {
		return errors.New("shadow: empty device id")
	}
	if s.Version < 1 {
		return errors.New("shadow: version must be positive")
	}
	return nil
}

// ErrVersionConflict is returned when a guarded update lost the race.
var ErrVersionConflict = errors.New("shadow: version conflict")

// Repository persists shadows. Updates are guarded on the current version;
// callers re-read and retry on conflict.
type Repository interface {
	Get(ctx context.Context, deviceID string) (*Shadow, error)
	Create(ctx context.Context, shadow *Shadow) error
	UpdateReported(ctx context.Context, shadow *Shadow, expectedVersion int) error
	UpdateDesired(ctx context.Context, shadow *Shadow, expectedVersion int) error
}
