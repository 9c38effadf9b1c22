package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"time"

	commandapp "cleanroute-cloud/internal/commands/application"
	commands "cleanroute-cloud/internal/commands/domain"
	workflows "cleanroute-cloud/internal/workflows/domain"
)

// DeviceDispatcher is the slice of the command dispatcher the firmware
// coordinator needs.
type DeviceDispatcher interface {
	Dispatch(ctx context.Context, req commandapp.DispatchRequest) (*commandapp.CommandHandle, error)
}

// FirmwareVersions records the installed firmware version on a device.
type FirmwareVersions interface {
	SetFirmwareVersion(ctx context.Context, id, version string) error
}

// ZoneLister resolves zone membership by device id.
type ZoneLister interface {
	ListDeviceIDs(ctx context.Context, zoneID string) ([]string, error)
}

// RolloutReport is the partial-success result of a zone firmware rollout.
type RolloutReport struct {
	ZoneID  string   `json:"zone_id"`
	Version string   `json:"version"`
	Total   int      `json:"total"`
	Started int      `json:"started"`
	Failed  []string `json:"failed"`
}

// FirmwareService coordinates firmware rollouts. Progress is driven entirely
// by device-reported status messages; the service only issues the update
// command and records what devices say.
type FirmwareService struct {
	updates    workflows.FirmwareRepository
	devices    FirmwareVersions
	dispatcher DeviceDispatcher
	zones      ZoneLister
	logger     *log.Logger
}

// NewFirmwareService constructs a firmware coordinator.
func NewFirmwareService(
	updates workflows.FirmwareRepository,
	deviceVersions FirmwareVersions,
	dispatcher DeviceDispatcher,
	zones ZoneLister,
	logger *log.Logger,
) (*FirmwareService, error) {
	if updates == nil {
		return nil, errors.New("firmware: nil update repo")
	}
	if dispatcher == nil {
		return nil, errors.New("firmware: nil dispatcher")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &FirmwareService{
		updates:    updates,
		devices:    deviceVersions,
		dispatcher: dispatcher,
		zones:      zones,
		logger:     logger,
	}, nil
}

// StartDeviceUpdate creates a rollout record and sends the firmware_update
// command. A device with an in-flight update is rejected; retry after the
// current update reaches a terminal state.
func (s *FirmwareService) StartDeviceUpdate(ctx context.Context, deviceID, version, url string) (*workflows.FirmwareUpdate, error) {
	if deviceID == "" {
		return nil, errors.New("firmware: empty device id")
	}
	if version == "" {
		return nil, errors.New("firmware: empty version")
	}
	active, err := s.updates.GetActiveByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, errors.New("firmware: device " + deviceID + " already updating to " + active.Version)
	}

	now := time.Now().UTC()
	update := &workflows.FirmwareUpdate{
		UpdateID:  newUpdateID(),
		DeviceID:  deviceID,
		Version:   version,
		Status:    workflows.FirmwarePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.updates.Create(ctx, update); err != nil {
		return nil, err
	}

	params := map[string]any{"version": version}
	if url != "" {
		params["url"] = url
	}
	_, err = s.dispatcher.Dispatch(ctx, commandapp.DispatchRequest{
		DeviceID:  deviceID,
		Type:      commands.TypeFirmwareUpdate,
		Params:    params,
		ExpectAck: true,
	})
	if err != nil {
		if _, ferr := s.updates.UpdateStatus(ctx, update.UpdateID, workflows.FirmwareFailed, 0, err.Error(), time.Now().UTC()); ferr != nil {
			s.logger.Printf("firmware: mark failed error: update=%s err=%v", update.UpdateID, ferr)
		}
		return nil, err
	}
	s.logger.Printf("firmware: update dispatched: update=%s device=%s version=%s", update.UpdateID, deviceID, version)
	return update, nil
}

// StartZoneRollout fans an update out to every member of a zone. The report
// is partial-success; devices already mid-update land in the failed list.
func (s *FirmwareService) StartZoneRollout(ctx context.Context, zoneID, version, url string) (*RolloutReport, error) {
	if s.zones == nil {
		return nil, errors.New("firmware: no zone resolver configured")
	}
	if zoneID == "" {
		return nil, errors.New("firmware: empty zone id")
	}
	members, err := s.zones.ListDeviceIDs(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	report := &RolloutReport{ZoneID: zoneID, Version: version, Total: len(members)}
	for _, deviceID := range members {
		if _, err := s.StartDeviceUpdate(ctx, deviceID, version, url); err != nil {
			s.logger.Printf("firmware: rollout member failed: zone=%s device=%s err=%v", zoneID, deviceID, err)
			report.Failed = append(report.Failed, deviceID)
			continue
		}
		report.Started++
	}
	return report, nil
}

// HandleStatusReport applies a device-reported status to its active update.
// Terminal states stick: the guarded update drops any report that arrives
// after completed or failed. A report with no matching active update is a
// logged no-op; the device may be chattier than our records.
func (s *FirmwareService) HandleStatusReport(ctx context.Context, deviceID, status string, progressPct float64, errMsg string) error {
	if deviceID == "" {
		return errors.New("firmware: empty device id")
	}
	if !workflows.ValidFirmwareStatus(status) {
		return errors.New("firmware: invalid status " + status)
	}
	active, err := s.updates.GetActiveByDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if active == nil {
		s.logger.Printf("firmware: status with no active update: device=%s status=%s", deviceID, status)
		return nil
	}
	if !workflows.CanApplyFirmwareReport(active.Status, status) {
		return nil
	}

	changed, err := s.updates.UpdateStatus(ctx, active.UpdateID, status, progressPct, errMsg, time.Now().UTC())
	if err != nil {
		return err
	}
	if !changed {
		// A concurrent report reached a terminal state first.
		return nil
	}
	s.logger.Printf("firmware: status applied: update=%s device=%s status=%s progress=%.0f%%",
		active.UpdateID, deviceID, status, progressPct)

	if status == workflows.FirmwareCompleted {
		if s.devices != nil {
			if err := s.devices.SetFirmwareVersion(ctx, deviceID, active.Version); err != nil {
				s.logger.Printf("firmware: record version error: device=%s err=%v", deviceID, err)
			}
		}
	}
	return nil
}

// Get returns a rollout record by id, or nil when absent.
func (s *FirmwareService) Get(ctx context.Context, updateID string) (*workflows.FirmwareUpdate, error) {
	if updateID == "" {
		return nil, errors.New("firmware: empty update id")
	}
	return s.updates.GetByID(ctx, updateID)
}

// ListByVersion lists rollout records for a version.
func (s *FirmwareService) ListByVersion(ctx context.Context, version string, limit int) ([]workflows.FirmwareUpdate, error) {
	return s.updates.ListByVersion(ctx, version, limit)
}

func newUpdateID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return "fw-" + hex.EncodeToString(buf[:])
}
