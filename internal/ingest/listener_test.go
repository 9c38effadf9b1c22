package ingest

import (
	"context"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	commandapp "cleanroute-cloud/internal/commands/application"
	commands "cleanroute-cloud/internal/commands/domain"
	deviceapp "cleanroute-cloud/internal/devices/application"
	devices "cleanroute-cloud/internal/devices/domain"
	shadowapp "cleanroute-cloud/internal/shadow/application"
	shadow "cleanroute-cloud/internal/shadow/domain"
	telemetry "cleanroute-cloud/internal/telemetry/domain"
	"cleanroute-cloud/internal/transport"
)

// fakeBus records subscriptions and lets tests inject inbound messages.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]transport.MessageHandler
	outbound []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]transport.MessageHandler)}
}

func (b *fakeBus) Publish(_ context.Context, topic string, _ []byte, _ byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = append(b.outbound, topic)
	return nil
}

func (b *fakeBus) Subscribe(pattern string, _ byte, handler transport.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pattern] = handler
	return nil
}

// inject delivers a message to the handler whose pattern matches the topic.
func (b *fakeBus) inject(t *testing.T, topic string, payload []byte) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	for pattern, handler := range b.handlers {
		if topicMatches(pattern, topic) {
			handler(topic, payload)
			return
		}
	}
	t.Fatalf("no subscription matches topic %s", topic)
}

func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "+" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}

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

func (r *fakeDeviceRepo) get(id string) devices.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
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

func (r *fakeDeviceRepo) ListByPrefix(context.Context, []string) ([]devices.Device, error) {
	return nil, nil
}

func (r *fakeDeviceRepo) Save(_ context.Context, device *devices.Device) error {
	r.seed(*device)
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
	row.LastSeen = seenAt
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

func (r *fakeDeviceRepo) SetSleepMode(_ context.Context, id string, sleeping bool, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		row.SleepMode = sleeping
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

func (r *fakeDeviceRepo) FindStale(context.Context, time.Time) ([]devices.Device, error) {
	return nil, nil
}

func (r *fakeDeviceRepo) MarkOfflineIfStale(context.Context, string, time.Time) (bool, error) {
	return false, nil
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

func (r *fakeHeartbeatRepo) ListRecent(context.Context, string, int) ([]devices.Heartbeat, error) {
	return nil, nil
}

type fakeCommandRepo struct {
	mu   sync.Mutex
	rows map[string]*commands.Command
}

func newFakeCommandRepo() *fakeCommandRepo {
	return &fakeCommandRepo{rows: make(map[string]*commands.Command)}
}

func (r *fakeCommandRepo) Create(_ context.Context, cmd *commands.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *cmd
	r.rows[cmd.CommandID] = &clone
	return nil
}

func (r *fakeCommandRepo) GetByID(_ context.Context, id string) (*commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	clone := *row
	return &clone, nil
}

func (r *fakeCommandRepo) ListByDevice(context.Context, string, int) ([]commands.Command, error) {
	return nil, nil
}

func (r *fakeCommandRepo) Acknowledge(_ context.Context, id string, success bool, errMsg string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return false, nil
	}
	if success {
		row.Status = commands.StatusAcknowledged
	} else {
		row.Status = commands.StatusFailed
		row.Error = errMsg
	}
	row.AckedAt = at
	return true, nil
}

func (r *fakeCommandRepo) ListPendingOlderThan(context.Context, time.Time, int) ([]commands.Command, error) {
	return nil, nil
}

func (r *fakeCommandRepo) MarkRetried(context.Context, string, int, time.Time) (bool, error) {
	return false, nil
}

func (r *fakeCommandRepo) MarkFailed(context.Context, string, string) (bool, error) {
	return false, nil
}

type fakeShadowRepo struct {
	mu   sync.Mutex
	rows map[string]*shadow.Shadow
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

func (r *fakeShadowRepo) update(s *shadow.Shadow, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[s.DeviceID]
	if !ok || row.Version != expectedVersion {
		return shadow.ErrVersionConflict
	}
	clone := *s
	r.rows[s.DeviceID] = &clone
	return nil
}

type fakeTelemetryRepo struct {
	mu   sync.Mutex
	rows []telemetry.Reading
}

func (r *fakeTelemetryRepo) Insert(_ context.Context, reading *telemetry.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *reading)
	return nil
}

func (r *fakeTelemetryRepo) ListRecent(context.Context, string, int) ([]telemetry.Reading, error) {
	return nil, nil
}

func (r *fakeTelemetryRepo) LatestFill(context.Context, []string) (map[string]float64, error) {
	return nil, nil
}

type fakeDiagRepo struct {
	mu   sync.Mutex
	rows []devices.Diagnostic
}

func (r *fakeDiagRepo) Save(_ context.Context, diag *devices.Diagnostic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *diag)
	return nil
}

type firmwareCall struct {
	deviceID string
	status   string
	progress float64
	errMsg   string
}

type fakeFirmware struct {
	mu    sync.Mutex
	calls []firmwareCall
}

func (f *fakeFirmware) HandleStatusReport(_ context.Context, deviceID, status string, progressPct float64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, firmwareCall{deviceID: deviceID, status: status, progress: progressPct, errMsg: errMsg})
	return nil
}

type fillAlert struct {
	deviceID string
	fillPct  float64
}

type recordingFillAlerter struct {
	mu     sync.Mutex
	alerts []fillAlert
}

func (a *recordingFillAlerter) BinFull(_ context.Context, deviceID string, fillPct float64, _ time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, fillAlert{deviceID: deviceID, fillPct: fillPct})
}

type testHarness struct {
	bus        *fakeBus
	deviceRepo *fakeDeviceRepo
	commands   *fakeCommandRepo
	shadows    *fakeShadowRepo
	readings   *fakeTelemetryRepo
	diags      *fakeDiagRepo
	firmware   *fakeFirmware
	listener   *Listener
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		bus:        newFakeBus(),
		deviceRepo: newFakeDeviceRepo(),
		commands:   newFakeCommandRepo(),
		shadows:    newFakeShadowRepo(),
		readings:   &fakeTelemetryRepo{},
		diags:      &fakeDiagRepo{},
		firmware:   &fakeFirmware{},
	}
	logger := log.New(testWriter{t}, "", 0)

	liveness, err := deviceapp.NewLivenessService(h.deviceRepo, &fakeHeartbeatRepo{}, logger)
	if err != nil {
		t.Fatalf("liveness: %v", err)
	}
	tracker, err := commandapp.NewTracker(h.commands, h.bus, logger)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	shadowService, err := shadowapp.NewService(h.shadows, nil, logger)
	if err != nil {
		t.Fatalf("shadow service: %v", err)
	}

	listener, err := NewListener(h.bus, liveness, tracker, shadowService, h.readings, h.deviceRepo, h.diags, h.firmware, logger)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	if err := listener.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.listener = listener
	return h
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func TestTelemetryPersistsAndMirrorsShadow(t *testing.T) {
	h := newHarness(t)
	h.deviceRepo.seed(devices.Device{ID: "B001", Status: devices.StatusOffline})

	h.bus.inject(t, "cleanroute/bins/B001/telemetry",
		[]byte(`{"ts": "2026-08-23T10:00:00Z", "fill_pct": 77.5, "batt_v": 3.7, "emptied": true}`))

	if len(h.readings.rows) != 1 {
		t.Fatalf("readings = %d, want 1", len(h.readings.rows))
	}
	reading := h.readings.rows[0]
	if reading.DeviceID != "B001" || reading.FillPct != 77.5 || !reading.Emptied {
		t.Fatalf("reading = %+v", reading)
	}

	device := h.deviceRepo.get("B001")
	if device.Status != devices.StatusOnline {
		t.Fatalf("status = %q, want online after telemetry", device.Status)
	}
	if device.LastEmptied.IsZero() {
		t.Fatal("last emptied not recorded")
	}

	twin, err := h.shadows.Get(context.Background(), "B001")
	if err != nil || twin == nil {
		t.Fatalf("shadow = %v, err %v", twin, err)
	}
	if twin.Reported.FillPct == nil || *twin.Reported.FillPct != 77.5 {
		t.Fatalf("shadow fill = %v, want 77.5", twin.Reported.FillPct)
	}
}

func TestTelemetryRegistersUnknownBin(t *testing.T) {
	h := newHarness(t)

	h.bus.inject(t, "cleanroute/bins/B777/telemetry",
		[]byte(`{"ts": "2026-08-23T10:00:00Z", "fill_pct": 33, "lat": 59.3293, "lon": 18.0686}`))

	device := h.deviceRepo.get("B777")
	if device.Status != devices.StatusOnline {
		t.Fatalf("status = %q, want never-registered bin online after telemetry", device.Status)
	}
	if device.Lat != 59.3293 || device.Lon != 18.0686 {
		t.Fatalf("position = (%v, %v), want (59.3293, 18.0686)", device.Lat, device.Lon)
	}
	if len(h.readings.rows) != 1 {
		t.Fatalf("readings = %d, want 1", len(h.readings.rows))
	}
}

func TestHighFillTelemetryRaisesAlert(t *testing.T) {
	h := newHarness(t)
	alerter := &recordingFillAlerter{}
	h.listener.SetFillAlerter(alerter)

	h.bus.inject(t, "cleanroute/bins/B001/telemetry", []byte(`{"fill_pct": 40}`))
	h.bus.inject(t, "cleanroute/bins/B001/telemetry", []byte(`{"fill_pct": 85.5}`))

	if len(alerter.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 for the reading above the risk threshold", len(alerter.alerts))
	}
	if alerter.alerts[0].deviceID != "B001" || alerter.alerts[0].fillPct != 85.5 {
		t.Fatalf("alert = %+v", alerter.alerts[0])
	}
}

func TestTelemetryEpochTimestampAccepted(t *testing.T) {
	h := newHarness(t)

	h.bus.inject(t, "cleanroute/bins/B001/telemetry",
		[]byte(`{"ts": 1766484000, "fill_pct": 12}`))

	if len(h.readings.rows) != 1 {
		t.Fatalf("readings = %d, want 1", len(h.readings.rows))
	}
	want := time.Unix(1766484000, 0).UTC()
	if !h.readings.rows[0].TS.Equal(want) {
		t.Fatalf("ts = %v, want %v", h.readings.rows[0].TS, want)
	}
}

func TestMalformedTelemetryIsDropped(t *testing.T) {
	h := newHarness(t)

	h.bus.inject(t, "cleanroute/bins/B001/telemetry", []byte(`{not json`))
	h.bus.inject(t, "cleanroute/bins/B001/telemetry", []byte(`{"fill_pct": 140}`))
	h.bus.inject(t, "cleanroute/bins/B001/telemetry", []byte(`{"batt_v": 3.3}`))

	if len(h.readings.rows) != 0 {
		t.Fatalf("readings = %d, want 0 for malformed payloads", len(h.readings.rows))
	}
}

func TestAckRoutesToTracker(t *testing.T) {
	h := newHarness(t)
	if err := h.commands.Create(context.Background(), &commands.Command{
		CommandID: "cmd-1",
		DeviceID:  "B001",
		Type:      commands.TypeWakeUp,
		Status:    commands.StatusPending,
	}); err != nil {
		t.Fatalf("seed command: %v", err)
	}

	h.bus.inject(t, "cleanroute/bins/B001/ack", []byte(`{"command_id": "cmd-1", "success": true}`))

	row, err := h.commands.GetByID(context.Background(), "cmd-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if row.Status != commands.StatusAcknowledged {
		t.Fatalf("status = %q, want acknowledged", row.Status)
	}
}

func TestAckWithoutSuccessFlagIsSuccess(t *testing.T) {
	h := newHarness(t)
	if err := h.commands.Create(context.Background(), &commands.Command{
		CommandID: "cmd-1",
		DeviceID:  "B001",
		Type:      commands.TypeSleep,
		Status:    commands.StatusPending,
	}); err != nil {
		t.Fatalf("seed command: %v", err)
	}

	h.bus.inject(t, "cleanroute/bins/B001/ack", []byte(`{"command_id": "cmd-1"}`))

	row, err := h.commands.GetByID(context.Background(), "cmd-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if row.Status != commands.StatusAcknowledged {
		t.Fatalf("status = %q, want acknowledged", row.Status)
	}
}

func TestHeartbeatTouchesDevice(t *testing.T) {
	h := newHarness(t)
	h.deviceRepo.seed(devices.Device{ID: "B002", Status: devices.StatusUnknown})

	h.bus.inject(t, "cleanroute/bins/B002/heartbeat", []byte(`{"rssi": -68, "firmware_version": "2.4.1"}`))

	device := h.deviceRepo.get("B002")
	if device.Status != devices.StatusOnline {
		t.Fatalf("status = %q, want online", device.Status)
	}
	if device.FirmwareVersion != "2.4.1" {
		t.Fatalf("firmware = %q, want 2.4.1", device.FirmwareVersion)
	}
}

func TestEmptyHeartbeatPayloadAccepted(t *testing.T) {
	h := newHarness(t)
	h.deviceRepo.seed(devices.Device{ID: "B002", Status: devices.StatusUnknown})

	h.bus.inject(t, "cleanroute/bins/B002/heartbeat", nil)

	if h.deviceRepo.get("B002").Status != devices.StatusOnline {
		t.Fatal("empty heartbeat should still bring the device online")
	}
}

func TestDiagnosticStored(t *testing.T) {
	h := newHarness(t)
	h.deviceRepo.seed(devices.Device{ID: "B003"})

	h.bus.inject(t, "cleanroute/bins/B003/diagnostic",
		[]byte(`{"diagnostic_id": "diag-9", "sensor_ok": true}`))

	if len(h.diags.rows) != 1 {
		t.Fatalf("diagnostics = %d, want 1", len(h.diags.rows))
	}
	if h.diags.rows[0].DiagnosticID != "diag-9" || h.diags.rows[0].DeviceID != "B003" {
		t.Fatalf("diagnostic = %+v", h.diags.rows[0])
	}
}

func TestFirmwareStatusRoutesToCoordinator(t *testing.T) {
	h := newHarness(t)
	h.deviceRepo.seed(devices.Device{ID: "B004"})

	h.bus.inject(t, "cleanroute/bins/B004/firmware_status",
		[]byte(`{"status": "downloading", "progress_pct": 40}`))

	if len(h.firmware.calls) != 1 {
		t.Fatalf("firmware calls = %d, want 1", len(h.firmware.calls))
	}
	call := h.firmware.calls[0]
	if call.deviceID != "B004" || call.status != "downloading" || call.progress != 40 {
		t.Fatalf("call = %+v", call)
	}
}

func TestShadowReportMergesReportedState(t *testing.T) {
	h := newHarness(t)
	h.deviceRepo.seed(devices.Device{ID: "B005"})

	h.bus.inject(t, "cleanroute/bins/B005/shadow/reported",
		[]byte(`{"sleep": false, "telemetry_interval_minutes": 30}`))

	twin, err := h.shadows.Get(context.Background(), "B005")
	if err != nil || twin == nil {
		t.Fatalf("shadow = %v, err %v", twin, err)
	}
	if twin.Reported.TelemetryInterval == nil || *twin.Reported.TelemetryInterval != 30 {
		t.Fatalf("telemetry interval = %v, want 30", twin.Reported.TelemetryInterval)
	}

	h.bus.inject(t, "cleanroute/bins/B005/shadow/reported", []byte(`{}`))
	twin, _ = h.shadows.Get(context.Background(), "B005")
	if twin.Version != 1 {
		t.Fatalf("version = %d, want empty report dropped", twin.Version)
	}
}
