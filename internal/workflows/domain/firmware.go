package workflows

import (
	"context"
	"errors"
	"time"
)

// Firmware update statuses as the device reports them.
const (
	FirmwarePending     = "pending"
	FirmwareDownloading = "downloading"
	FirmwareInstalling  = "installing"
	FirmwareCompleted   = "completed"
	FirmwareFailed      = "failed"
)

// FirmwareTerminal reports whether a status is sticky.
func FirmwareTerminal(status string) bool {
	return status == FirmwareCompleted || status == FirmwareFailed
}

// ValidFirmwareStatus reports whether a device-supplied status is known.
func ValidFirmwareStatus(status string) bool {
	switch status {
	case FirmwarePending, FirmwareDownloading, FirmwareInstalling, FirmwareCompleted, FirmwareFailed:
		return true
	}
	return false
}

// CanApplyFirmwareReport reports whether a status report may overwrite the
// recorded status. Terminal states are sticky; out-of-order duplicates of
// non-terminal states are expected from the transport and always applied,
// the latest report winning.
func CanApplyFirmwareReport(recorded, reported string) bool {
	if FirmwareTerminal(recorded) {
		return false
	}
	return ValidFirmwareStatus(reported)
}

// FirmwareUpdate tracks one device's rollout. Only metadata and progress
// live here; binary transfer happens out of band.
type FirmwareUpdate struct {
	UpdateID    string
	DeviceID    string
	Version     string
	Status      string
	ProgressPct float64
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks update invariants.
func (u FirmwareUpdate) Validate() error {
	if u.UpdateID == "" {
		return errors.New("firmware update: empty id")
	}
	if u.DeviceID == "" {
		return errors.New("firmware update: empty device id")
	}
	if u.Version == "" {
		return errors.New("firmware update: empty version")
	}
	if !ValidFirmwareStatus(u.Status) {
		return errors.New("firmware update: invalid status " + u.Status)
	}
	return nil
}

// FirmwareRepository persists rollout records. UpdateStatus is guarded so a
// terminal row is never overwritten.
type FirmwareRepository interface {
	Create(ctx context.Context, update *FirmwareUpdate) error
	GetByID(ctx context.Context, updateID string) (*FirmwareUpdate, error)

	// GetActiveByDevice returns the newest non-terminal update for a device,
	// or nil when every update is terminal or none exists.
	GetActiveByDevice(ctx context.Context, deviceID string) (*FirmwareUpdate, error)

	UpdateStatus(ctx context.Context, updateID, status string, progressPct float64, errMsg string, at time.Time) (bool, error)
	ListByVersion(ctx context.Context, version string, limit int) ([]FirmwareUpdate, error)
}
