package application

import (
	"context"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	devices "cleanroute-cloud/internal/devices/domain"
)

type fakeDeviceRepo struct {
	mu   sync.Mutex
	rows map[string]*devices.Device
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{rows: make(map[string]*devices.Device)}
}

func (r *fakeDeviceRepo) seed(d devices.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := d
	r.rows[d.ID] = &clone
}

func (r *fakeDeviceRepo) Get(_ context.Context, id string) (*devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	clone := *row
	return &clone, nil
}

func (r *fakeDeviceRepo) ListByPrefix(_ context.Context, prefixes []string) ([]devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []devices.Device
	for _, row := range r.rows {
		for _, prefix := range prefixes {
			if strings.HasPrefix(row.ID, prefix) {
				out = append(out, *row)
				break
			}
		}
	}
	return out, nil
}

func (r *fakeDeviceRepo) Save(_ context.Context, device *devices.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *device
	r.rows[device.ID] = &clone
	return nil
}

func (r *fakeDeviceRepo) TouchOnline(_ context.Context, id string, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		row = &devices.Device{ID: id}
		r.rows[id] = row
	}
	row.Status = devices.StatusOnline
	if seenAt.After(row.LastSeen) {
		row.LastSeen = seenAt
	}
	return nil
}

func (r *fakeDeviceRepo) UpdatePosition(_ context.Context, id string, lat, lon float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		row.Lat = lat
		row.Lon = lon
	}
	return nil
}

func (r *fakeDeviceRepo) SetSleepMode(_ context.Context, id string, sleeping bool, wakeAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		row.SleepMode = sleeping
		row.LastWakeCommand = wakeAt
	}
	return nil
}

func (r *fakeDeviceRepo) SetFirmwareVersion(_ context.Context, id, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		row.FirmwareVersion = version
	}
	return nil
}

func (r *fakeDeviceRepo) SetLastEmptied(_ context.Context, id string, emptiedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		row.LastEmptied = emptiedAt
	}
	return nil
}

func (r *fakeDeviceRepo) FindStale(_ context.Context, cutoff time.Time) ([]devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []devices.Device
	for _, row := range r.rows {
		if row.Status == devices.StatusOffline || row.SleepMode {
			continue
		}
		if row.LastSeen.Before(cutoff) {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *fakeDeviceRepo) MarkOfflineIfStale(_ context.Context, id string, cutoff time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status == devices.StatusOffline || row.SleepMode || !row.LastSeen.Before(cutoff) {
		return false, nil
	}
	row.Status = devices.StatusOffline
	return true, nil
}

func (r *fakeDeviceRepo) get(id string) devices.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

type fakeHeartbeatRepo struct {
	mu   sync.Mutex
	rows []devices.Heartbeat
}

func (r *fakeHeartbeatRepo) Append(_ context.Context, hb *devices.Heartbeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *hb)
	return nil
}

func (r *fakeHeartbeatRepo) ListRecent(_ context.Context, deviceID string, limit int) ([]devices.Heartbeat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []devices.Heartbeat
	for i := len(r.rows) - 1; i >= 0; i-- {
		if r.rows[i].DeviceID == deviceID {
			out = append(out, r.rows[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func newTestLiveness(t *testing.T, repo *fakeDeviceRepo, heartbeats *fakeHeartbeatRepo) *LivenessService {
	t.Helper()
	s, err := NewLivenessService(repo, heartbeats, log.New(testWriter{t}, "", 0))
	if err != nil {
		t.Fatalf("NewLivenessService: %v", err)
	}
	return s
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func TestRecordHeartbeatBringsDeviceOnline(t *testing.T) {
	repo := newFakeDeviceRepo()
	repo.seed(devices.Device{ID: "B001", Status: devices.StatusUnknown})
	heartbeats := &fakeHeartbeatRepo{}
	s := newTestLiveness(t, repo, heartbeats)

	rssi := -71
	err := s.RecordHeartbeat(context.Background(), "B001", HeartbeatMetrics{
		RSSI:            &rssi,
		FirmwareVersion: "2.4.1",
	})
	if err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}

	row := repo.get("B001")
	if row.Status != devices.StatusOnline {
		t.Fatalf("status = %q, want online", row.Status)
	}
	if row.FirmwareVersion != "2.4.1" {
		t.Fatalf("firmware = %q, want 2.4.1", row.FirmwareVersion)
	}
	if len(heartbeats.rows) != 1 {
		t.Fatalf("heartbeat rows = %d, want 1", len(heartbeats.rows))
	}
}

func TestSweepStaleMarksQuietDevicesOffline(t *testing.T) {
	repo := newFakeDeviceRepo()
	now := time.Now().UTC()
	repo.seed(devices.Device{ID: "quiet", Status: devices.StatusOnline, LastSeen: now.Add(-time.Hour)})
	repo.seed(devices.Device{ID: "chatty", Status: devices.StatusOnline, LastSeen: now.Add(-time.Minute)})
	s := newTestLiveness(t, repo, &fakeHeartbeatRepo{})

	marked, err := s.SweepStale(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if marked != 1 {
		t.Fatalf("marked = %d, want 1", marked)
	}
	if repo.get("quiet").Status != devices.StatusOffline {
		t.Fatal("quiet device not marked offline")
	}
	if repo.get("chatty").Status != devices.StatusOnline {
		t.Fatal("chatty device should stay online")
	}
}

func TestSweepStaleExemptsSleepingDevices(t *testing.T) {
	repo := newFakeDeviceRepo()
	now := time.Now().UTC()
	repo.seed(devices.Device{ID: "asleep", Status: devices.StatusOnline, SleepMode: true, LastSeen: now.Add(-24 * time.Hour)})
	s := newTestLiveness(t, repo, &fakeHeartbeatRepo{})

	marked, err := s.SweepStale(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if marked != 0 {
		t.Fatalf("marked = %d, want 0 for sleeping device", marked)
	}
	if repo.get("asleep").Status != devices.StatusOnline {
		t.Fatal("sleeping device must not be marked offline")
	}
}

func TestOfflineDeviceComesBackOnTouch(t *testing.T) {
	repo := newFakeDeviceRepo()
	now := time.Now().UTC()
	repo.seed(devices.Device{ID: "B001", Status: devices.StatusOffline, LastSeen: now.Add(-2 * time.Hour)})
	s := newTestLiveness(t, repo, &fakeHeartbeatRepo{})

	if err := s.Touch(context.Background(), "B001", now); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	row := repo.get("B001")
	if row.Status != devices.StatusOnline {
		t.Fatalf("status = %q, want online after inbound traffic", row.Status)
	}
	if !row.LastSeen.Equal(now) {
		t.Fatalf("last seen = %v, want %v", row.LastSeen, now)
	}
}

func TestTouchRegistersUnknownDevice(t *testing.T) {
	repo := newFakeDeviceRepo()
	s := newTestLiveness(t, repo, &fakeHeartbeatRepo{})
	now := time.Now().UTC()

	if err := s.Touch(context.Background(), "B099", now); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	row := repo.get("B099")
	if row.Status != devices.StatusOnline {
		t.Fatalf("status = %q, want unregistered bin brought online", row.Status)
	}
	if !row.LastSeen.Equal(now) {
		t.Fatalf("last seen = %v, want %v", row.LastSeen, now)
	}
}

type recordingAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAlerter) DeviceOffline(_ context.Context, deviceID string, _ time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, deviceID)
}

func TestSweepStaleNotifiesAlerter(t *testing.T) {
	repo := newFakeDeviceRepo()
	repo.seed(devices.Device{ID: "quiet", Status: devices.StatusOnline, LastSeen: time.Now().UTC().Add(-time.Hour)})
	s := newTestLiveness(t, repo, &fakeHeartbeatRepo{})
	alerter := &recordingAlerter{}
	s.SetOfflineAlerter(alerter)

	if _, err := s.SweepStale(context.Background(), 30*time.Minute); err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(alerter.calls) != 1 || alerter.calls[0] != "quiet" {
		t.Fatalf("alerter calls = %v, want [quiet]", alerter.calls)
	}
}
