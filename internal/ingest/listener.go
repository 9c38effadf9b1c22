package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	commandapp "cleanroute-cloud/internal/commands/application"
	deviceapp "cleanroute-cloud/internal/devices/application"
	devices "cleanroute-cloud/internal/devices/domain"
	"cleanroute-cloud/internal/observability/metrics"
	shadowapp "cleanroute-cloud/internal/shadow/application"
	shadow "cleanroute-cloud/internal/shadow/domain"
	telemetry "cleanroute-cloud/internal/telemetry/domain"
	"cleanroute-cloud/internal/transport"
)

// InboundQoS is the subscription QoS for device-to-server traffic.
const InboundQoS byte = 1

const defaultHandleTimeout = 10 * time.Second

// OverflowRiskPct is the fill level at which a bin is flagged as at risk of
// overflowing.
const OverflowRiskPct = 80.0

// FirmwareStatusHandler consumes device-reported firmware progress.
type FirmwareStatusHandler interface {
	HandleStatusReport(ctx context.Context, deviceID, status string, progressPct float64, errMsg string) error
}

// FillAlerter receives overflow-risk readings. Delivery is best effort.
type FillAlerter interface {
	BinFull(ctx context.Context, deviceID string, fillPct float64, at time.Time)
}

// Listener subscribes to the inbound topic tree and routes each message to
// its handler. Handlers share no in-process state; every mutation goes
// through a repository, so messages for different devices never contend.
type Listener struct {
	bus       transport.MessageBus
	liveness  *deviceapp.LivenessService
	tracker   *commandapp.Tracker
	shadows   *shadowapp.Service
	readings  telemetry.Repository
	devices   devices.Repository
	diags     devices.DiagnosticRepository
	firmware  FirmwareStatusHandler
	alerter   FillAlerter
	logger    *log.Logger
	opTimeout time.Duration
}

// NewListener constructs a listener. firmware may be nil when no rollout
// coordinator is wired; firmware_status messages are then logged and dropped.
func NewListener(
	bus transport.MessageBus,
	liveness *deviceapp.LivenessService,
	tracker *commandapp.Tracker,
	shadows *shadowapp.Service,
	readings telemetry.Repository,
	deviceRepo devices.Repository,
	diags devices.DiagnosticRepository,
	firmware FirmwareStatusHandler,
	logger *log.Logger,
) (*Listener, error) {
	if bus == nil {
		return nil, errors.New("ingest: nil bus")
	}
	if liveness == nil {
		return nil, errors.New("ingest: nil liveness service")
	}
	if tracker == nil {
		return nil, errors.New("ingest: nil tracker")
	}
	if shadows == nil {
		return nil, errors.New("ingest: nil shadow service")
	}
	if readings == nil {
		return nil, errors.New("ingest: nil telemetry repo")
	}
	if deviceRepo == nil {
		return nil, errors.New("ingest: nil device repo")
	}
	if diags == nil {
		return nil, errors.New("ingest: nil diagnostic repo")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{
		bus:       bus,
		liveness:  liveness,
		tracker:   tracker,
		shadows:   shadows,
		readings:  readings,
		devices:   deviceRepo,
		diags:     diags,
		firmware:  firmware,
		logger:    logger,
		opTimeout: defaultHandleTimeout,
	}, nil
}

// SetFillAlerter installs an optional alert sink for overflow-risk readings.
func (l *Listener) SetFillAlerter(alerter FillAlerter) {
	l.alerter = alerter
}

// Start subscribes to every inbound pattern.
func (l *Listener) Start() error {
	for _, pattern := range transport.InboundPatterns() {
		if err := l.bus.Subscribe(pattern, InboundQoS, l.route); err != nil {
			return err
		}
		l.logger.Printf("ingest: subscribed pattern=%s", pattern)
	}
	return nil
}

// route dispatches one inbound message. A bad message is dropped with a
// warning; it never takes the listener down or blocks other messages.
func (l *Listener) route(topic string, payload []byte) {
	deviceID, kind, ok := transport.ParseInbound(topic)
	if !ok {
		l.logger.Printf("ingest: unroutable topic=%s", topic)
		metrics.IncMalformed("topic")
		return
	}
	metrics.IncInboundMessage(kind)

	ctx, cancel := context.WithTimeout(context.Background(), l.opTimeout)
	defer cancel()

	var err error
	switch kind {
	case transport.KindTelemetry:
		err = l.handleTelemetry(ctx, deviceID, payload)
	case transport.KindHeartbeat:
		err = l.handleHeartbeat(ctx, deviceID, payload)
	case transport.KindAck:
		err = l.handleAck(ctx, deviceID, payload)
	case transport.KindDiagnostic:
		err = l.handleDiagnostic(ctx, deviceID, payload)
	case transport.KindFirmwareStatus:
		err = l.handleFirmwareStatus(ctx, deviceID, payload)
	case transport.KindShadow:
		err = l.handleShadowReport(ctx, deviceID, payload)
	}
	if err != nil {
		l.logger.Printf("ingest: %s handler error: device=%s err=%v", kind, deviceID, err)
	}
}

// telemetryPayload matches the device telemetry message. bin_id inside the
// body is informational; the topic is authoritative.
type telemetryPayload struct {
	BinID   string   `json:"bin_id"`
	TS      flexTime `json:"ts"`
	FillPct *float64 `json:"fill_pct"`
	BattV   *float64 `json:"batt_v"`
	TempC   *float64 `json:"temp_c"`
	Emptied bool     `json:"emptied"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

func (l *Listener) handleTelemetry(ctx context.Context, deviceID string, payload []byte) error {
	var body telemetryPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		l.dropMalformed(transport.KindTelemetry, deviceID, err)
		return nil
	}
	if body.FillPct == nil || *body.FillPct < 0 || *body.FillPct > 100 {
		l.dropMalformed(transport.KindTelemetry, deviceID, errors.New("fill_pct missing or out of range"))
		return nil
	}
	ts := body.TS.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	reading := &telemetry.Reading{
		DeviceID: deviceID,
		TS:       ts,
		FillPct:  *body.FillPct,
		BattV:    body.BattV,
		TempC:    body.TempC,
		Emptied:  body.Emptied,
		Lat:      body.Lat,
		Lon:      body.Lon,
	}
	if err := l.readings.Insert(ctx, reading); err != nil {
		return err
	}
	if err := l.liveness.Touch(ctx, deviceID, ts); err != nil {
		return err
	}
	if body.Lat != nil && body.Lon != nil {
		if err := l.devices.UpdatePosition(ctx, deviceID, *body.Lat, *body.Lon); err != nil {
			l.logger.Printf("ingest: update position error: device=%s err=%v", deviceID, err)
		}
	}
	if body.Emptied {
		if err := l.devices.SetLastEmptied(ctx, deviceID, ts); err != nil {
			l.logger.Printf("ingest: set last emptied error: device=%s err=%v", deviceID, err)
		}
	}

	// Mirror the sample into the reported shadow so the twin stays a valid
	// last-known state even for devices that never publish shadow reports.
	last := ts.Format(time.RFC3339)
	partial := shadow.State{
		FillPct:       body.FillPct,
		BattV:         body.BattV,
		TempC:         body.TempC,
		Lat:           body.Lat,
		Lon:           body.Lon,
		LastTelemetry: &last,
	}
	if _, err := l.shadows.ReportState(ctx, deviceID, partial); err != nil {
		l.logger.Printf("ingest: shadow mirror error: device=%s err=%v", deviceID, err)
	}

	if l.alerter != nil && *body.FillPct >= OverflowRiskPct {
		l.alerter.BinFull(ctx, deviceID, *body.FillPct, ts)
	}
	return nil
}

type heartbeatPayload struct {
	RSSI            *int   `json:"rssi"`
	UptimeSeconds   *int64 `json:"uptime_seconds"`
	FreeMemoryKB    *int64 `json:"free_memory_kb"`
	FirmwareVersion string `json:"firmware_version"`
}

func (l *Listener) handleHeartbeat(ctx context.Context, deviceID string, payload []byte) error {
	var body heartbeatPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			l.dropMalformed(transport.KindHeartbeat, deviceID, err)
			return nil
		}
	}
	return l.liveness.RecordHeartbeat(ctx, deviceID, deviceapp.HeartbeatMetrics{
		RSSI:            body.RSSI,
		UptimeSeconds:   body.UptimeSeconds,
		FreeMemoryKB:    body.FreeMemoryKB,
		FirmwareVersion: body.FirmwareVersion,
	})
}

type ackPayload struct {
	CommandID string `json:"command_id"`
	Success   *bool  `json:"success"`
	Error     string `json:"error"`
}

func (l *Listener) handleAck(ctx context.Context, deviceID string, payload []byte) error {
	var body ackPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		l.dropMalformed(transport.KindAck, deviceID, err)
		return nil
	}
	if body.CommandID == "" {
		l.dropMalformed(transport.KindAck, deviceID, errors.New("missing command_id"))
		return nil
	}
	// An ack without an explicit success flag reports success.
	success := body.Success == nil || *body.Success

	if err := l.liveness.Touch(ctx, deviceID, time.Now().UTC()); err != nil {
		l.logger.Printf("ingest: touch on ack error: device=%s err=%v", deviceID, err)
	}
	return l.tracker.Acknowledge(ctx, body.CommandID, success, body.Error)
}

func (l *Listener) handleDiagnostic(ctx context.Context, deviceID string, payload []byte) error {
	if !json.Valid(payload) {
		l.dropMalformed(transport.KindDiagnostic, deviceID, errors.New("invalid json"))
		return nil
	}
	var header struct {
		DiagnosticID string `json:"diagnostic_id"`
	}
	_ = json.Unmarshal(payload, &header)

	if err := l.liveness.Touch(ctx, deviceID, time.Now().UTC()); err != nil {
		l.logger.Printf("ingest: touch on diagnostic error: device=%s err=%v", deviceID, err)
	}
	return l.diags.Save(ctx, &devices.Diagnostic{
		DiagnosticID: header.DiagnosticID,
		DeviceID:     deviceID,
		Report:       payload,
		ReceivedAt:   time.Now().UTC(),
	})
}

type firmwareStatusPayload struct {
	Status      string   `json:"status"`
	ProgressPct *float64 `json:"progress_pct"`
	Error       string   `json:"error"`
}

func (l *Listener) handleFirmwareStatus(ctx context.Context, deviceID string, payload []byte) error {
	var body firmwareStatusPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		l.dropMalformed(transport.KindFirmwareStatus, deviceID, err)
		return nil
	}
	if body.Status == "" {
		l.dropMalformed(transport.KindFirmwareStatus, deviceID, errors.New("missing status"))
		return nil
	}
	if err := l.liveness.Touch(ctx, deviceID, time.Now().UTC()); err != nil {
		l.logger.Printf("ingest: touch on firmware status error: device=%s err=%v", deviceID, err)
	}
	metrics.IncFirmwareStatus(body.Status)
	if l.firmware == nil {
		l.logger.Printf("ingest: firmware status with no coordinator: device=%s status=%s", deviceID, body.Status)
		return nil
	}
	progress := 0.0
	if body.ProgressPct != nil {
		progress = *body.ProgressPct
	}
	return l.firmware.HandleStatusReport(ctx, deviceID, body.Status, progress, body.Error)
}

func (l *Listener) handleShadowReport(ctx context.Context, deviceID string, payload []byte) error {
	var partial shadow.State
	if err := json.Unmarshal(payload, &partial); err != nil {
		l.dropMalformed(transport.KindShadow, deviceID, err)
		return nil
	}
	if partial.IsEmpty() {
		l.dropMalformed(transport.KindShadow, deviceID, errors.New("empty report"))
		return nil
	}
	if err := l.liveness.Touch(ctx, deviceID, time.Now().UTC()); err != nil {
		l.logger.Printf("ingest: touch on shadow report error: device=%s err=%v", deviceID, err)
	}
	_, err := l.shadows.ReportState(ctx, deviceID, partial)
	return err
}

func (l *Listener) dropMalformed(kind, deviceID string, err error) {
	metrics.IncMalformed(kind)
	l.logger.Printf("ingest: dropped malformed %s: device=%s err=%v", kind, deviceID, err)
}

// flexTime accepts RFC3339 strings and unix epoch numbers; devices in the
// field ship both, depending on firmware age.
type flexTime struct {
	Time time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		t.Time = parsed.UTC()
		return nil
	}
	epoch, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * float64(time.Second))
	t.Time = time.Unix(sec, nsec).UTC()
	return nil
}
