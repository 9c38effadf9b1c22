package commands

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Command statuses. pending is the only non-terminal status.
const (
	StatusPending      = "pending"
	StatusAcknowledged = "acknowledged"
	StatusFailed       = "failed"
)

// Command types understood by the bin firmware.
const (
	TypeWakeUp         = "wake_up"
	TypeSleep          = "sleep"
	TypeResetEmptied   = "reset_emptied"
	TypeGetStatus      = "get_status"
	TypeUpdateConfig   = "update_config"
	TypeShadowDelta    = "shadow_delta"
	TypeFirmwareUpdate = "firmware_update"
)

// DefaultMaxRetries bounds the retry loop for acknowledged commands.
const DefaultMaxRetries = 3

// ValidType reports whether the firmware understands a command type.
func ValidType(commandType string) bool {
	switch commandType {
	case TypeWakeUp, TypeSleep, TypeResetEmptied, TypeGetStatus,
		TypeUpdateConfig, TypeShadowDelta, TypeFirmwareUpdate:
		return true
	}
	return false
}

// Command is one tracked downlink command.
type Command struct {
	CommandID  string
	DeviceID   string
	Type       string
	Payload    json.RawMessage
	QoS        byte
	Status     string
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
	SentAt     time.Time
	AckedAt    time.Time
	Error      string
}

// Terminal reports whether a status admits no further retries.
func Terminal(status string) bool {
	return status == StatusAcknowledged || status == StatusFailed
}

// CanTransition is the allowed-transition table. failed to acknowledged is
// the late-ack override: a device may complete a command after the server
// has exhausted retries for it.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusAcknowledged || to == StatusFailed
	case StatusFailed:
		return to == StatusAcknowledged
	default:
		return false
	}
}

// Validate checks command invariants.
func (c Command) Validate() error {
	if c.CommandID == "" {
		return errors.New("command: empty command id")
	}
	if c.DeviceID == "" {
		return errors.New("command: empty device id")
	}
	if c.Type == "" {
		return errors.New("command: empty type")
	}
	switch c.Status {
	case StatusPending, StatusAcknowledged, StatusFailed:
	default:
		return errors.New("command: invalid status " + c.Status)
	}
	if c.RetryCount < 0 || c.MaxRetries < 0 || c.RetryCount > c.MaxRetries {
		return errors.New("command: retry count out of bounds")
	}
	return nil
}

// Repository persists tracked commands. Mutations are guarded by status (and
// retry_count where noted) at the row level, which is the sole concurrency
// boundary between listener handlers and sweeps, including across instances.
type Repository interface {
	Create(ctx context.Context, cmd *Command) error
	GetByID(ctx context.Context, id string) (*Command, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]Command, error)

	// Acknowledge applies a device ack. success moves pending or failed
	// rows to acknowledged (late-ack override); failure moves only pending
	// rows to failed. Returns false when no row changed.
	Acknowledge(ctx context.Context, id string, success bool, errMsg string, at time.Time) (bool, error)

	// ListPendingOlderThan returns pending commands with sent_at before the
	// cutoff and retry_count below max_retries. Never returns terminal or
	// exhausted rows.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Command, error)

	// MarkRetried bumps retry_count and resets sent_at, guarded on the
	// expected retry_count so concurrent sweeps cannot double-count.
	MarkRetried(ctx context.Context, id string, expectedRetries int, sentAt time.Time) (bool, error)

	// MarkFailed moves a pending row to failed.
	MarkFailed(ctx context.Context, id, errMsg string) (bool, error)
}
