package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"

	shadow "cleanroute-cloud/internal/shadow/domain"
)

type fakeShadowRepo struct {
	mu   sync.Mutex
	rows map[string]*shadow.Shadow

	// conflictsLeft forces this many version conflicts before updates apply.
	conflictsLeft int
}

func newFakeShadowRepo() *fakeShadowRepo {
	return &fakeShadowRepo{rows: make(map[string]*shadow.Shadow)}
}

func (r *fakeShadowRepo) Get(_ context.Context, deviceID string) (*shadow.Shadow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[deviceID]
	if !ok {
		return nil, nil
	}
	clone := *row
	return &clone, nil
}

func (r *fakeShadowRepo) Create(_ context.Context, s *shadow.Shadow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[s.DeviceID]; ok {
		return errors.New("duplicate shadow")
	}
	clone := *s
	r.rows[s.DeviceID] = &clone
	return nil
}

func (r *fakeShadowRepo) update(s *shadow.Shadow, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflictsLeft > 0 {
		r.conflictsLeft--
		return shadow.ErrVersionConflict
	}
	row, ok := r.rows[s.DeviceID]
	if !ok || row.Version != expectedVersion {
		return shadow.ErrVersionConflict
	}
	clone := *s
	r.rows[s.DeviceID] = &clone
	return nil
}

func (r *fakeShadowRepo) UpdateReported(_ context.Context, s *shadow.Shadow, expectedVersion int) error {
	return r.update(s, expectedVersion)
}

func (r *fakeShadowRepo) UpdateDesired(_ context.Context, s *shadow.Shadow, expectedVersion int) error {
	return r.update(s, expectedVersion)
}

type recordingNotifier struct {
	mu     sync.Mutex
	deltas []map[string]json.RawMessage
	err    error
}

func (n *recordingNotifier) NotifyShadowDelta(_ context.Context, _ string, delta map[string]json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deltas = append(n.deltas, delta)
	return n.err
}

func newTestService(t *testing.T, repo shadow.Repository, notifier DeltaNotifier) *Service {
	t.Helper()
	s, err := NewService(repo, notifier, log.New(testWriter{t}, "", 0))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func f64(v float64) *float64 { return &v }
func boolp(v bool) *bool     { return &v }

func TestReportStateCreatesShadow(t *testing.T) {
	repo := newFakeShadowRepo()
	svc := newTestService(t, repo, nil)

	got, err := svc.ReportState(context.Background(), "B010", shadow.State{FillPct: f64(42)})
	if err != nil {
		t.Fatalf("ReportState: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
	if *got.Reported.FillPct != 42 {
		t.Fatalf("reported fill = %v, want 42", *got.Reported.FillPct)
	}
}

func TestReportThenDesiredLeavesOnlyNewKeysInDelta(t *testing.T) {
	repo := newFakeShadowRepo()
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, notifier)

	if _, err := svc.ReportState(context.Background(), "B010", shadow.State{FillPct: f64(42)}); err != nil {
		t.Fatalf("ReportState: %v", err)
	}
	if _, err := svc.SetDesired(context.Background(), "B010", shadow.State{FillPct: f64(42), Sleep: boolp(true)}); err != nil {
		t.Fatalf("SetDesired: %v", err)
	}

	delta, err := svc.GetDelta(context.Background(), "B010")
	if err != nil {
		t.Fatalf("GetDelta: %v", err)
	}
	if len(delta) != 1 || string(delta[shadow.KeySleep]) != "true" {
		t.Fatalf("delta = %v, want only sleep=true", delta)
	}
}

func TestSetDesiredNotifiesChangedKeys(t *testing.T) {
	repo := newFakeShadowRepo()
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, notifier)

	if _, err := svc.SetDesired(context.Background(), "B010", shadow.State{Sleep: boolp(true)}); err != nil {
		t.Fatalf("SetDesired: %v", err)
	}
	if len(notifier.deltas) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.deltas))
	}
	if string(notifier.deltas[0][shadow.KeySleep]) != "true" {
		t.Fatalf("notified delta = %v", notifier.deltas[0])
	}
}

func TestSetDesiredNotifiesChangedExtraKey(t *testing.T) {
	repo := newFakeShadowRepo()
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, notifier)

	seed := shadow.State{Extra: map[string]json.RawMessage{"beacon_mode": json.RawMessage(`"off"`)}}
	if _, err := svc.SetDesired(context.Background(), "B010", seed); err != nil {
		t.Fatalf("seed SetDesired: %v", err)
	}

	partial := shadow.State{Extra: map[string]json.RawMessage{"beacon_mode": json.RawMessage(`"on"`)}}
	if _, err := svc.SetDesired(context.Background(), "B010", partial); err != nil {
		t.Fatalf("SetDesired: %v", err)
	}

	if len(notifier.deltas) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notifier.deltas))
	}
	if string(notifier.deltas[1]["beacon_mode"]) != `"on"` {
		t.Fatalf("notified delta = %v, want beacon_mode on", notifier.deltas[1])
	}
}

func TestSetDesiredNotifierFailureIsNotFatal(t *testing.T) {
	repo := newFakeShadowRepo()
	notifier := &recordingNotifier{err: errors.New("device asleep")}
	svc := newTestService(t, repo, notifier)

	updated, err := svc.SetDesired(context.Background(), "B010", shadow.State{Sleep: boolp(true)})
	if err != nil {
		t.Fatalf("SetDesired: %v", err)
	}
	if updated == nil || updated.Version != 1 {
		t.Fatalf("updated = %+v", updated)
	}
}

func TestReportStateRetriesVersionConflicts(t *testing.T) {
	repo := newFakeShadowRepo()
	svc := newTestService(t, repo, nil)
	if _, err := svc.ReportState(context.Background(), "B010", shadow.State{FillPct: f64(10)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	repo.mu.Lock()
	repo.conflictsLeft = 2
	repo.mu.Unlock()

	got, err := svc.ReportState(context.Background(), "B010", shadow.State{FillPct: f64(20)})
	if err != nil {
		t.Fatalf("ReportState after conflicts: %v", err)
	}
	if *got.Reported.FillPct != 20 {
		t.Fatalf("reported fill = %v, want 20", *got.Reported.FillPct)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
}

func TestReportStateGivesUpAfterRetryBudget(t *testing.T) {
	repo := newFakeShadowRepo()
	svc := newTestService(t, repo, nil)
	if _, err := svc.ReportState(context.Background(), "B010", shadow.State{FillPct: f64(10)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	repo.mu.Lock()
	repo.conflictsLeft = maxVersionRetries
	repo.mu.Unlock()

	_, err := svc.ReportState(context.Background(), "B010", shadow.State{FillPct: f64(20)})
	if !errors.Is(err, shadow.ErrVersionConflict) {
		t.Fatalf("err = %v, want version conflict", err)
	}
}

func TestSetDesiredRejectsEmptyPartial(t *testing.T) {
	repo := newFakeShadowRepo()
	svc := newTestService(t, repo, nil)
	if _, err := svc.SetDesired(context.Background(), "B010", shadow.State{}); err == nil {
		t.Fatal("expected error for empty desired partial")
	}
}
