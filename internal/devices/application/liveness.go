package application

import (
	"context"
	"errors"
	"log"
	"time"

	devices "cleanroute-cloud/internal/devices/domain"
	"cleanroute-cloud/internal/observability/metrics"
)

// HeartbeatMetrics carries the optional fields a device reports with a
// heartbeat.
type HeartbeatMetrics struct {
	RSSI            *int
	UptimeSeconds   *int64
	FreeMemoryKB    *int64
	FirmwareVersion string
}

// OfflineAlerter receives offline transitions. Delivery is best effort.
type OfflineAlerter interface {
	DeviceOffline(ctx context.Context, deviceID string, lastSeen time.Time)
}

// LivenessService tracks device online/offline state from heartbeat cadence.
// All state lives in the repositories; concurrent heartbeats and sweeps are
// reconciled by guarded updates, not in-process locks.
type LivenessService struct {
	repo       devices.Repository
	heartbeats devices.HeartbeatRepository
	alerter    OfflineAlerter
	logger     *log.Logger
}

// NewLivenessService constructs a liveness service.
func NewLivenessService(repo devices.Repository, heartbeats devices.HeartbeatRepository, logger *log.Logger) (*LivenessService, error) {
	if repo == nil {
		return nil, errors.New("liveness: nil device repo")
	}
	if heartbeats == nil {
		return nil, errors.New("liveness: nil heartbeat repo")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &LivenessService{repo: repo, heartbeats: heartbeats, logger: logger}, nil
}

// SetOfflineAlerter installs an optional alert sink for offline transitions.
func (s *LivenessService) SetOfflineAlerter(alerter OfflineAlerter) {
	s.alerter = alerter
}

// RecordHeartbeat appends a heartbeat record and brings the device online.
func (s *LivenessService) RecordHeartbeat(ctx context.Context, deviceID string, hb HeartbeatMetrics) error {
	if deviceID == "" {
		return errors.New("liveness: empty device id")
	}
	now := time.Now().UTC()
	if err := s.heartbeats.Append(ctx, &devices.Heartbeat{
		DeviceID:        deviceID,
		ReceivedAt:      now,
		RSSI:            hb.RSSI,
		UptimeSeconds:   hb.UptimeSeconds,
		FreeMemoryKB:    hb.FreeMemoryKB,
		FirmwareVersion: hb.FirmwareVersion,
	}); err != nil {
		return err
	}
	if hb.FirmwareVersion != "" {
		if err := s.repo.SetFirmwareVersion(ctx, deviceID, hb.FirmwareVersion); err != nil {
			return err
		}
	}
	return s.repo.TouchOnline(ctx, deviceID, now)
}

// Touch brings a device online after any inbound traffic. A device marked
// offline that sends telemetry transitions back with an updated last_seen.
func (s *LivenessService) Touch(ctx context.Context, deviceID string, seenAt time.Time) error {
	if deviceID == "" {
		return errors.New("liveness: empty device id")
	}
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	return s.repo.TouchOnline(ctx, deviceID, seenAt.UTC())
}

// FindStale returns awake, non-offline devices not seen within the timeout.
// Sleeping devices are exempt: expected silence is not a fault.
func (s *LivenessService) FindStale(ctx context.Context, timeout time.Duration) ([]devices.Device, error) {
	if timeout <= 0 {
		return nil, errors.New("liveness: non-positive timeout")
	}
	cutoff := time.Now().UTC().Add(-timeout)
	return s.repo.FindStale(ctx, cutoff)
}

// SweepStale marks stale devices offline and returns how many transitioned.
// The per-device guard re-checks last_seen, so a heartbeat landing between
// FindStale and the update wins. Pending commands are untouched: liveness
// and delivery are independent facts.
func (s *LivenessService) SweepStale(ctx context.Context, timeout time.Duration) (int, error) {
	stale, err := s.FindStale(ctx, timeout)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-timeout)
	marked := 0
	for _, device := range stale {
		changed, err := s.repo.MarkOfflineIfStale(ctx, device.ID, cutoff)
		if err != nil {
			s.logger.Printf("liveness: mark offline error: device=%s err=%v", device.ID, err)
			continue
		}
		if changed {
			marked++
			metrics.IncDeviceOffline()
			s.logger.Printf("liveness: device offline: device=%s last_seen=%s", device.ID, formatSeen(device.LastSeen))
			if s.alerter != nil {
				s.alerter.DeviceOffline(ctx, device.ID, device.LastSeen)
			}
		}
	}
	return marked, nil
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
