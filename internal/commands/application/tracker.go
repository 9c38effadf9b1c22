package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	commands "cleanroute-cloud/internal/commands/domain"
	"cleanroute-cloud/internal/observability/metrics"
	"cleanroute-cloud/internal/transport"
)

const maxRetriesError = "max retries exceeded"

// SweepReport summarizes one retry sweep.
type SweepReport struct {
	Checked int `json:"pending_checked"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// Tracker maintains per-command acknowledgment and retry state. Retries are
// driven exclusively by the periodic sweep; there is no push-based retry
// path. The fixed-interval cadence is a deliberate, replaceable policy:
// command volume is low enough that a next-retry-time queue would buy
// nothing but complexity.
type Tracker struct {
	repo   commands.Repository
	bus    transport.MessageBus
	logger *log.Logger
}

// NewTracker constructs a tracker.
func NewTracker(repo commands.Repository, bus transport.MessageBus, logger *log.Logger) (*Tracker, error) {
	if repo == nil {
		return nil, errors.New("tracker: nil command repo")
	}
	if bus == nil {
		return nil, errors.New("tracker: nil bus")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{repo: repo, bus: bus, logger: logger}, nil
}

// Acknowledge applies a device acknowledgment. Duplicate acks are no-ops
// with identical final state; a successful ack for an already-failed record
// still flips it to acknowledged, because devices may complete long after
// the server gave up. An ack for an unknown command id (for example after a
// restart wiped nothing but the device retained the id) is a logged no-op.
func (t *Tracker) Acknowledge(ctx context.Context, commandID string, success bool, errMsg string) error {
	if commandID == "" {
		return errors.New("tracker: empty command id")
	}
	existing, err := t.repo.GetByID(ctx, commandID)
	if err != nil {
		return err
	}
	if existing == nil {
		t.logger.Printf("tracker: ack for unknown command: command=%s", commandID)
		return nil
	}

	changed, err := t.repo.Acknowledge(ctx, commandID, success, errMsg, time.Now().UTC())
	if err != nil {
		return err
	}
	if !changed {
		// Already terminal in a way this ack cannot override.
		return nil
	}
	if success {
		metrics.IncCommandResult(commands.StatusAcknowledged)
		t.logger.Printf("tracker: command acknowledged: command=%s device=%s", commandID, existing.DeviceID)
	} else {
		metrics.IncCommandResult(commands.StatusFailed)
		t.logger.Printf("tracker: command nacked: command=%s device=%s err=%s", commandID, existing.DeviceID, errMsg)
	}
	return nil
}

// SweepPending republishes unacknowledged commands older than maxAge. Each
// retry is guarded on the row's current retry_count, so overlapping sweeps
// from multiple instances touch a command at most once per round. A command
// whose republish consumes the last retry is marked failed immediately; a
// late ack can still override it.
func (t *Tracker) SweepPending(ctx context.Context, maxAge time.Duration) (SweepReport, error) {
	var report SweepReport
	if maxAge <= 0 {
		return report, errors.New("tracker: non-positive max age")
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	pending, err := t.repo.ListPendingOlderThan(ctx, cutoff, 0)
	if err != nil {
		return report, err
	}
	report.Checked = len(pending)

	for _, cmd := range pending {
		retried, failed := t.retryOne(ctx, cmd)
		if retried {
			report.Retried++
		}
		if failed {
			report.Failed++
		}
	}
	return report, nil
}

// retryOne republishes a single pending command. Publish failures leave the
// record pending for the next sweep; transport trouble is never fatal.
func (t *Tracker) retryOne(ctx context.Context, cmd commands.Command) (retried, failed bool) {
	env := Envelope{
		Command:   cmd.Type,
		Timestamp: time.Now().UTC(),
		Params:    cmd.Payload,
		CommandID: cmd.CommandID,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		t.logger.Printf("tracker: marshal retry error: command=%s err=%v", cmd.CommandID, err)
		return false, false
	}

	if err := t.bus.Publish(ctx, transport.CommandTopic(cmd.DeviceID), payload, cmd.QoS); err != nil {
		t.logger.Printf("tracker: retry publish error: command=%s device=%s err=%v", cmd.CommandID, cmd.DeviceID, err)
		return false, false
	}

	changed, err := t.repo.MarkRetried(ctx, cmd.CommandID, cmd.RetryCount, time.Now().UTC())
	if err != nil {
		t.logger.Printf("tracker: mark retried error: command=%s err=%v", cmd.CommandID, err)
		return false, false
	}
	if !changed {
		// Another sweep or an ack got there first.
		return false, false
	}
	metrics.IncCommandRetry()
	t.logger.Printf("tracker: retried command: command=%s device=%s attempt=%d/%d",
		cmd.CommandID, cmd.DeviceID, cmd.RetryCount+1, cmd.MaxRetries)

	if cmd.RetryCount+1 >= cmd.MaxRetries {
		exhausted, err := t.repo.MarkFailed(ctx, cmd.CommandID, maxRetriesError)
		if err != nil {
			t.logger.Printf("tracker: mark failed error: command=%s err=%v", cmd.CommandID, err)
			return true, false
		}
		if exhausted {
			metrics.IncCommandResult(commands.StatusFailed)
			t.logger.Printf("tracker: command failed after %d retries: command=%s device=%s",
				cmd.MaxRetries, cmd.CommandID, cmd.DeviceID)
			return true, true
		}
	}
	return true, false
}
