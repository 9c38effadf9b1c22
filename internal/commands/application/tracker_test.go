package application

import (
	"context"
	"testing"
	"time"

	commands "cleanroute-cloud/internal/commands/domain"
)

func seedPending(t *testing.T, repo *fakeCommandRepo, id, deviceID string, sentAgo time.Duration, maxRetries int) {
	t.Helper()
	err := repo.Create(context.Background(), &commands.Command{
		CommandID:  id,
		DeviceID:   deviceID,
		Type:       commands.TypeWakeUp,
		Payload:    []byte(`{}`),
		QoS:        1,
		Status:     commands.StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC().Add(-sentAgo),
		SentAt:     time.Now().UTC().Add(-sentAgo),
	})
	if err != nil {
		t.Fatalf("seed command: %v", err)
	}
}

func TestSweepExhaustsRetriesThenFails(t *testing.T) {
	bus := &fakeBus{}
	repo := newFakeCommandRepo()
	tracker, err := NewTracker(repo, bus, testLogger(t))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	seedPending(t, repo, "cmd-1", "B001", time.Minute, 3)

	for round := 1; round <= 3; round++ {
		// Reset sent_at into the past so the command is due again.
		repo.mu.Lock()
		repo.rows["cmd-1"].SentAt = time.Now().UTC().Add(-time.Minute)
		repo.mu.Unlock()

		report, err := tracker.SweepPending(context.Background(), 30*time.Second)
		if err != nil {
			t.Fatalf("sweep %d: %v", round, err)
		}
		if report.Retried != 1 {
			t.Fatalf("sweep %d retried = %d, want 1", round, report.Retried)
		}
	}

	row := repo.get("cmd-1")
	if row.Status != commands.StatusFailed {
		t.Fatalf("status = %q, want failed after retry exhaustion", row.Status)
	}
	if row.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", row.RetryCount)
	}
	if row.Error != maxRetriesError {
		t.Fatalf("error = %q, want %q", row.Error, maxRetriesError)
	}

	// Exhausted rows never come back.
	report, err := tracker.SweepPending(context.Background(), time.Nanosecond)
	if err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	if report.Checked != 0 {
		t.Fatalf("final sweep checked = %d, want 0", report.Checked)
	}
}

func TestSweepFailsImmediatelyOnLastRetry(t *testing.T) {
	bus := &fakeBus{}
	repo := newFakeCommandRepo()
	tracker, err := NewTracker(repo, bus, testLogger(t))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	seedPending(t, repo, "cmd-1", "B001", time.Minute, 1)

	report, err := tracker.SweepPending(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if report.Retried != 1 || report.Failed != 1 {
		t.Fatalf("report = %+v, want one retry and one failure", report)
	}
	if row := repo.get("cmd-1"); row.Status != commands.StatusFailed {
		t.Fatalf("status = %q, want failed in the same sweep", row.Status)
	}
	// The final attempt still went out on the wire.
	if got := len(bus.topics()); got != 1 {
		t.Fatalf("published %d messages, want 1", got)
	}
}

func TestSweepSkipsFreshCommands(t *testing.T) {
	bus := &fakeBus{}
	repo := newFakeCommandRepo()
	tracker, err := NewTracker(repo, bus, testLogger(t))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	seedPending(t, repo, "cmd-1", "B001", 0, 3)

	report, err := tracker.SweepPending(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if report.Checked != 0 || report.Retried != 0 {
		t.Fatalf("report = %+v, want nothing due", report)
	}
}

func TestSweepPublishFailureLeavesCommandPending(t *testing.T) {
	bus := &fakeBus{failSubst: "B001"}
	repo := newFakeCommandRepo()
	tracker, err := NewTracker(repo, bus, testLogger(t))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	seedPending(t, repo, "cmd-1", "B001", time.Minute, 3)

	report, err := tracker.SweepPending(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("SweepPending: %v", err)
	}
	if report.Retried != 0 {
		t.Fatalf("retried = %d, want 0 on publish failure", report.Retried)
	}
	row := repo.get("cmd-1")
	if row.Status != commands.StatusPending || row.RetryCount != 0 {
		t.Fatalf("row = %+v, want untouched pending", row)
	}
}

func TestAcknowledgeSuccess(t *testing.T) {
	bus := &fakeBus{}
	repo := newFakeCommandRepo()
	tracker, err := NewTracker(repo, bus, testLogger(t))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	seedPending(t, repo, "cmd-1", "B001", time.Minute, 3)

	if err := tracker.Acknowledge(context.Background(), "cmd-1", true, ""); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if row := repo.get("cmd-1"); row.Status != commands.StatusAcknowledged {
		t.Fatalf("status = %q, want acknowledged", row.Status)
	}
}

func TestAcknowledgeDuplicateIsIdempotent(t *testing.T) {
	bus := &fakeBus{}
	repo := newFakeCommandRepo()
	tracker, err := NewTracker(repo, bus, testLogger(t))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	seedPending(t, repo, "cmd-1", "B001", time.Minute, 3)

	for i := 0; i < 3; i++ {
		if err := tracker.Acknowledge(context.Background(), "cmd-1", true, ""); err != nil {
			t.Fatalf("Acknowledge %d: %v", i, err)
		}
	}
	if row := repo.get("cmd-1"); row.Status != commands.StatusAcknowledged {
		t.Fatalf("status = %q, want acknowledged", row.Status)
	}
}

func TestLateAckOverridesFailed(t *testing.T) {
	bus := &fakeBus{}
	repo := newFakeCommandRepo()
	tracker, err := NewTracker(repo, bus, testLogger(t))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	seedPending(t, repo, "cmd-1", "B001", time.Minute, 3)
	if _, err := repo.MarkFailed(context.Background(), "cmd-1", maxRetriesError); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := tracker.Acknowledge(context.Background(), "cmd-1", true, ""); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	row := repo.get("cmd-1")
	if row.Status != commands.StatusAcknowledged {
		t.Fatalf("status = %q, want acknowledged after late ack", row.Status)
	}
	if row.Error != "" {
		t.Fatalf("error = %q, want cleared", row.Error)
	}
}

func TestNackDoesNotOverrideFailed(t *testing.T) {
	bus := &fakeBus{}
	repo := newFakeCommandRepo()
	tracker, err := NewTracker(repo, bus, testLogger(t))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	seedPending(t, repo, "cmd-1", "B001", time.Minute, 3)
	if _, err := repo.MarkFailed(context.Background(), "cmd-1", maxRetriesError); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := tracker.Acknowledge(context.Background(), "cmd-1", false, "battery died"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if row := repo.get("cmd-1"); row.Error != maxRetriesError {
		t.Fatalf("error = %q, want the original failure preserved", row.Error)
	}
}

func TestAcknowledgeUnknownCommandIsNoOp(t *testing.T) {
	bus := &fakeBus{}
	repo := newFakeCommandRepo()
	tracker, err := NewTracker(repo, bus, testLogger(t))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if err := tracker.Acknowledge(context.Background(), "cmd-ghost", true, ""); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if repo.count() != 0 {
		t.Fatalf("repo has %d rows, want 0", repo.count())
	}
}
