package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"cleanroute-cloud/internal/audit"
	commands "cleanroute-cloud/internal/commands/domain"
	"cleanroute-cloud/internal/observability/metrics"
	"cleanroute-cloud/internal/transport"
)

// DefaultQoS is at-least-once, the level the bin firmware expects.
const DefaultQoS byte = 1

// Envelope is the downlink wire format.
type Envelope struct {
	Command   string          `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	Params    json.RawMessage `json:"params"`
	CommandID string          `json:"command_id,omitempty"`
}

// ZoneResolver maps a zone id to its member device ids.
type ZoneResolver interface {
	ListDeviceIDs(ctx context.Context, zoneID string) ([]string, error)
}

// DeviceFlags is the slice of the device repository the dispatcher needs
// for wake/sleep bookkeeping.
type DeviceFlags interface {
	SetSleepMode(ctx context.Context, id string, sleeping bool, wakeAt time.Time) error
}

// DispatchRequest describes one command to send.
type DispatchRequest struct {
	DeviceID   string
	Type       string
	Params     map[string]any
	QoS        byte
	ExpectAck  bool
	MaxRetries int
}

// CommandHandle is returned after a dispatch.
type CommandHandle struct {
	CommandID string    `json:"command_id,omitempty"`
	DeviceID  string    `json:"bin_id"`
	Type      string    `json:"command_type"`
	ExpectAck bool      `json:"awaiting_ack"`
	SentAt    time.Time `json:"sent_at"`
}

// ZoneReport is the partial-success result of a zone fan-out.
type ZoneReport struct {
	ZoneID    string    `json:"zone_id"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    []string  `json:"failed"`
	StartedAt time.Time `json:"started_at"`
}

// Dispatcher builds command envelopes, publishes them, and registers
// pending-acknowledgment records.
type Dispatcher struct {
	bus     transport.MessageBus
	repo    commands.Repository
	devices DeviceFlags
	zones   ZoneResolver
	auditor audit.Logger
	logger  *log.Logger
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(bus transport.MessageBus, repo commands.Repository, devices DeviceFlags, zones ZoneResolver, auditor audit.Logger, logger *log.Logger) (*Dispatcher, error) {
	if bus == nil {
		return nil, errors.New("dispatcher: nil bus")
	}
	if repo == nil {
		return nil, errors.New("dispatcher: nil command repo")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{bus: bus, repo: repo, devices: devices, zones: zones, auditor: auditor, logger: logger}, nil
}

// Dispatch publishes one command to the device's command topic. When an ack
// is expected, a pending record is persisted before the publish; a publish
// failure flips that record to failed so no orphaned pending entry remains.
// Every command is audit-logged whether or not an ack is expected.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*CommandHandle, error) {
	if req.DeviceID == "" {
		return nil, errors.New("dispatcher: empty device id")
	}
	if req.Type == "" {
		return nil, errors.New("dispatcher: empty command type")
	}
	qos := req.QoS
	if qos == 0 {
		qos = DefaultQoS
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = commands.DefaultMaxRetries
	}

	params, err := marshalParams(req.Params)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: invalid params: %w", err)
	}

	now := time.Now().UTC()
	env := Envelope{Command: req.Type, Timestamp: now, Params: params}

	var cmd *commands.Command
	if req.ExpectAck {
		cmd = &commands.Command{
			CommandID:  NewCommandID(),
			DeviceID:   req.DeviceID,
			Type:       req.Type,
			Payload:    params,
			QoS:        qos,
			Status:     commands.StatusPending,
			MaxRetries: maxRetries,
			CreatedAt:  now,
			SentAt:     now,
		}
		if err := d.repo.Create(ctx, cmd); err != nil {
			return nil, err
		}
		env.CommandID = cmd.CommandID
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	d.logAudit(ctx, req.DeviceID, req.Type, params, env.CommandID)

	if err := d.bus.Publish(ctx, transport.CommandTopic(req.DeviceID), payload, qos); err != nil {
		if cmd != nil {
			if _, ferr := d.repo.MarkFailed(ctx, cmd.CommandID, err.Error()); ferr != nil {
				d.logger.Printf("dispatcher: mark failed error: command=%s err=%v", cmd.CommandID, ferr)
			}
		}
		return nil, fmt.Errorf("dispatcher: publish %s to %s: %w", req.Type, req.DeviceID, err)
	}

	metrics.IncCommandIssued()
	d.logger.Printf("dispatcher: sent %s to %s qos=%d ack=%v", req.Type, req.DeviceID, qos, req.ExpectAck)

	handle := &CommandHandle{DeviceID: req.DeviceID, Type: req.Type, ExpectAck: req.ExpectAck, SentAt: now}
	if cmd != nil {
		handle.CommandID = cmd.CommandID
	}
	return handle, nil
}

// DispatchZone fans a command out to every member of a zone, one tracked
// dispatch per member plus a catch-all publish on the zone topic. The report
// is partial-success: member failures never abort the fan-out.
func (d *Dispatcher) DispatchZone(ctx context.Context, zoneID string, req DispatchRequest) (*ZoneReport, error) {
	return d.fanOut(ctx, zoneID, req.Type, req.Params, func(ctx context.Context, deviceID string) error {
		memberReq := req
		memberReq.DeviceID = deviceID
		_, err := d.Dispatch(ctx, memberReq)
		return err
	})
}

// WakeZone wakes every member of a zone, clearing their sleep flags.
func (d *Dispatcher) WakeZone(ctx context.Context, zoneID string, collectionHours int) (*ZoneReport, error) {
	if collectionHours <= 0 {
		collectionHours = 12
	}
	params := map[string]any{"collection_hours": collectionHours, "telemetry_interval_minutes": 60}
	return d.fanOut(ctx, zoneID, commands.TypeWakeUp, params, func(ctx context.Context, deviceID string) error {
		_, err := d.WakeDevice(ctx, deviceID, collectionHours)
		return err
	})
}

// SleepZone puts every member of a zone to sleep.
func (d *Dispatcher) SleepZone(ctx context.Context, zoneID string) (*ZoneReport, error) {
	return d.fanOut(ctx, zoneID, commands.TypeSleep, nil, func(ctx context.Context, deviceID string) error {
		_, err := d.SleepDevice(ctx, deviceID)
		return err
	})
}

func (d *Dispatcher) fanOut(ctx context.Context, zoneID, commandType string, params map[string]any, perMember func(context.Context, string) error) (*ZoneReport, error) {
	if d.zones == nil {
		return nil, errors.New("dispatcher: no zone resolver configured")
	}
	if zoneID == "" {
		return nil, errors.New("dispatcher: empty zone id")
	}
	members, err := d.zones.ListDeviceIDs(ctx, zoneID)
	if err != nil {
		return nil, err
	}

	report := &ZoneReport{ZoneID: zoneID, Total: len(members), StartedAt: time.Now().UTC()}
	for _, deviceID := range members {
		if err := perMember(ctx, deviceID); err != nil {
			d.logger.Printf("dispatcher: zone member failed: zone=%s device=%s err=%v", zoneID, deviceID, err)
			report.Failed = append(report.Failed, deviceID)
			continue
		}
		report.Succeeded++
	}

	// Catch-all for members the resolver may have missed. Untracked.
	raw, err := marshalParams(params)
	if err == nil {
		env := Envelope{Command: commandType, Timestamp: time.Now().UTC(), Params: raw}
		if payload, merr := json.Marshal(env); merr == nil {
			if perr := d.bus.Publish(ctx, transport.ZoneCommandTopic(zoneID), payload, DefaultQoS); perr != nil {
				d.logger.Printf("dispatcher: zone broadcast failed: zone=%s err=%v", zoneID, perr)
			}
		}
	}
	return report, nil
}

// Broadcast publishes an untracked command to all bins.
func (d *Dispatcher) Broadcast(ctx context.Context, commandType string, params map[string]any) error {
	_, err := d.Dispatch(ctx, DispatchRequest{
		DeviceID: transport.BroadcastDeviceID,
		Type:     commandType,
		Params:   params,
	})
	return err
}

// WakeDevice sends wake_up with an ack expectation and clears the sleep
// flag. Devices woken for collection report telemetry hourly.
func (d *Dispatcher) WakeDevice(ctx context.Context, deviceID string, collectionHours int) (*CommandHandle, error) {
	if collectionHours <= 0 {
		collectionHours = 12
	}
	handle, err := d.Dispatch(ctx, DispatchRequest{
		DeviceID:  deviceID,
		Type:      commands.TypeWakeUp,
		Params:    map[string]any{"collection_hours": collectionHours, "telemetry_interval_minutes": 60},
		ExpectAck: true,
	})
	if err != nil {
		return nil, err
	}
	if d.devices != nil {
		if derr := d.devices.SetSleepMode(ctx, deviceID, false, time.Now().UTC()); derr != nil {
			d.logger.Printf("dispatcher: clear sleep flag error: device=%s err=%v", deviceID, derr)
		}
	}
	return handle, nil
}

// SleepDevice sends sleep and sets the sleep flag, exempting the device
// from staleness checks.
func (d *Dispatcher) SleepDevice(ctx context.Context, deviceID string) (*CommandHandle, error) {
	handle, err := d.Dispatch(ctx, DispatchRequest{
		DeviceID:  deviceID,
		Type:      commands.TypeSleep,
		ExpectAck: true,
	})
	if err != nil {
		return nil, err
	}
	if d.devices != nil {
		if derr := d.devices.SetSleepMode(ctx, deviceID, true, time.Time{}); derr != nil {
			d.logger.Printf("dispatcher: set sleep flag error: device=%s err=%v", deviceID, derr)
		}
	}
	return handle, nil
}

// RequestStatus asks a device for an immediate status report.
func (d *Dispatcher) RequestStatus(ctx context.Context, deviceID string) (*CommandHandle, error) {
	return d.Dispatch(ctx, DispatchRequest{DeviceID: deviceID, Type: commands.TypeGetStatus})
}

func (d *Dispatcher) logAudit(ctx context.Context, deviceID, commandType string, params json.RawMessage, commandID string) {
	if d.auditor == nil {
		return
	}
	entry := audit.Entry{
		Action:       "command." + commandType,
		ResourceType: "device",
		ResourceID:   deviceID,
		Metadata:     params,
	}
	if commandID != "" {
		entry.CommandID = commandID
	}
	if err := d.auditor.Log(ctx, entry); err != nil {
		d.logger.Printf("dispatcher: audit log error: device=%s err=%v", deviceID, err)
	}
}

func marshalParams(params map[string]any) (json.RawMessage, error) {
	if len(params) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(params)
}

// NewCommandID generates a collision-free command identifier.
func NewCommandID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return "cmd-" + hex.EncodeToString(buf[:])
}
