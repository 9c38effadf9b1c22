package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	shadow "cleanroute-cloud/internal/shadow/domain"
)

const maxVersionRetries = 3

// DeltaNotifier tells a device which desired keys changed. Delivery is best
// effort: the device may be asleep, and convergence is eventual anyway.
type DeltaNotifier interface {
	NotifyShadowDelta(ctx context.Context, deviceID string, delta map[string]json.RawMessage) error
}

// Service maintains device shadows. Reported state changes only when the
// device itself reports; SetDesired never touches it, which models devices
// that sleep for long stretches while still exposing a valid last-known
// state.
type Service struct {
	repo     shadow.Repository
	notifier DeltaNotifier
	logger   *log.Logger
}

// NewService constructs a shadow service.
func NewService(repo shadow.Repository, notifier DeltaNotifier, logger *log.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("shadow service: nil repo")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{repo: repo, notifier: notifier, logger: logger}, nil
}

// Get returns the shadow for a device, or nil when none exists yet.
func (s *Service) Get(ctx context.Context, deviceID string) (*shadow.Shadow, error) {
	if deviceID == "" {
		return nil, errors.New("shadow service: empty device id")
	}
	return s.repo.Get(ctx, deviceID)
}

// ReportState shallow-merges a partial into the reported side, bumping the
// version. Concurrent writers are reconciled by the version guard; the loop
// re-reads and retries on conflict.
func (s *Service) ReportState(ctx context.Context, deviceID string, partial shadow.State) (*shadow.Shadow, error) {
	if deviceID == "" {
		return nil, errors.New("shadow service: empty device id")
	}
	now := time.Now().UTC()

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		current, err := s.repo.Get(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			created := &shadow.Shadow{
				DeviceID:       deviceID,
				Reported:       partial,
				Version:        1,
				LastReportedAt: now,
			}
			if err := s.repo.Create(ctx, created); err == nil {
				return created, nil
			}
			// Lost the insert race; fall through to re-read.
			continue
		}

		expected := current.Version
		current.Reported.Merge(partial)
		current.Version++
		current.LastReportedAt = now
		err = s.repo.UpdateReported(ctx, current, expected)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, shadow.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, shadow.ErrVersionConflict
}

// SetDesired shallow-merges a partial into the desired side and notifies
// the device of the keys that actually changed. Notification failures are
// logged, not returned: the delta stays queryable and the device will pick
// it up on its next shadow_delta or report cycle.
func (s *Service) SetDesired(ctx context.Context, deviceID string, partial shadow.State) (*shadow.Shadow, error) {
	if deviceID == "" {
		return nil, errors.New("shadow service: empty device id")
	}
	if partial.IsEmpty() {
		return nil, errors.New("shadow service: empty desired partial")
	}
	now := time.Now().UTC()

	var updated *shadow.Shadow
	var changed map[string]json.RawMessage
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		current, err := s.repo.Get(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			created := &shadow.Shadow{
				DeviceID:      deviceID,
				Desired:       partial,
				Version:       1,
				LastDesiredAt: now,
			}
			if err := s.repo.Create(ctx, created); err == nil {
				updated = created
				changed = shadow.Delta(partial, shadow.State{})
				break
			}
			continue
		}

		expected := current.Version
		// Clone: Merge writes through the shared Extra map, and the delta
		// needs the pre-merge snapshot intact.
		before := current.Desired.Clone()
		current.Desired.Merge(partial)
		current.Version++
		current.LastDesiredAt = now
		err = s.repo.UpdateDesired(ctx, current, expected)
		if err == nil {
			updated = current
			changed = shadow.Delta(current.Desired, before)
			break
		}
		if !errors.Is(err, shadow.ErrVersionConflict) {
			return nil, err
		}
	}
	if updated == nil {
		return nil, shadow.ErrVersionConflict
	}

	if s.notifier != nil && len(changed) > 0 {
		if err := s.notifier.NotifyShadowDelta(ctx, deviceID, changed); err != nil {
			s.logger.Printf("shadow service: delta notify failed: device=%s err=%v", deviceID, err)
		}
	}
	return updated, nil
}

// GetDelta returns the desired keys the device has not yet reflected in its
// reported state. Empty means converged.
func (s *Service) GetDelta(ctx context.Context, deviceID string) (map[string]json.RawMessage, error) {
	current, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	return shadow.Delta(current.Desired, current.Reported), nil
}
