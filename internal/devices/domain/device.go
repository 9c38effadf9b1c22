package devices

import (
	"context"
	"errors"
	"time"
)

// Device statuses. A device is "unknown" between registration and its first
// heartbeat or telemetry.
const (
	StatusUnknown = "unknown"
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Device represents a registered bin sensor.
type Device struct {
	ID              string
	UserID          string
	UserName        string
	Lat             float64
	Lon             float64
	Status          string
	SleepMode       bool
	FirmwareVersion string
	LastSeen        time.Time
	LastEmptied     time.Time
	LastWakeCommand time.Time
	RegisteredAt    time.Time
	UpdatedAt       time.Time
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	switch d.Status {
	case "", StatusUnknown, StatusOnline, StatusOffline:
	default:
		return errors.New("device: invalid status " + d.Status)
	}
	return nil
}

// CanTransition reports whether a status change is allowed. Any status may
// go online (inbound traffic always wins); only non-offline devices go
// offline; unknown is an initial state and never a target.
func CanTransition(from, to string) bool {
	switch to {
	case StatusOnline:
		return true
	case StatusOffline:
		return from != StatusOffline
	default:
		return false
	}
}

// Heartbeat is one append-only liveness record. Entries are never mutated
// after insert.
type Heartbeat struct {
	DeviceID        string
	ReceivedAt      time.Time
	RSSI            *int
	UptimeSeconds   *int64
	FreeMemoryKB    *int64
	FirmwareVersion string
}

// Diagnostic stores a device-reported diagnostic response.
type Diagnostic struct {
	DiagnosticID string
	DeviceID     string
	Report       []byte
	ReceivedAt   time.Time
}

// Repository manages device persistence.
type Repository interface {
	Get(ctx context.Context, id string) (*Device, error)
	ListByPrefix(ctx context.Context, prefixes []string) ([]Device, error)
	Save(ctx context.Context, device *Device) error
	TouchOnline(ctx context.Context, id string, seenAt time.Time) error
	UpdatePosition(ctx context.Context, id string, lat, lon float64) error
	SetSleepMode(ctx context.Context, id string, sleeping bool, wakeAt time.Time) error
	SetFirmwareVersion(ctx context.Context, id, version string) error
	SetLastEmptied(ctx context.Context, id string, emptiedAt time.Time) error
	FindStale(ctx context.Context, cutoff time.Time) ([]Device, error)
	MarkOfflineIfStale(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

// HeartbeatRepository appends and reads the heartbeat log.
type HeartbeatRepository interface {
	Append(ctx context.Context, hb *Heartbeat) error
	ListRecent(ctx context.Context, deviceID string, limit int) ([]Heartbeat, error)
}

// DiagnosticRepository stores diagnostic responses.
type DiagnosticRepository interface {
	Save(ctx context.Context, diag *Diagnostic) error
}
