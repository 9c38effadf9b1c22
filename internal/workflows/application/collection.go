package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"time"

	commandapp "cleanroute-cloud/internal/commands/application"
	devices "cleanroute-cloud/internal/devices/domain"
	"cleanroute-cloud/internal/observability/metrics"
	telemetry "cleanroute-cloud/internal/telemetry/domain"
	workflows "cleanroute-cloud/internal/workflows/domain"
)

const (
	// respondedWindow bounds how old a device's last_seen may be for the
	// device to count as having responded to the current session.
	respondedWindow = 2 * time.Hour

	// missedFillThreshold is the fill level above which a responded bin is
	// presumed skipped by the crew.
	missedFillThreshold = 60.0

	defaultCollectionHours = 12
)

// ZoneMembers resolves a zone to its registered devices.
type ZoneMembers interface {
	ListMembers(ctx context.Context, zoneID string) ([]devices.Device, error)
}

// ZoneCommander is the slice of the dispatcher the coordinator needs.
type ZoneCommander interface {
	WakeZone(ctx context.Context, zoneID string, collectionHours int) (*commandapp.ZoneReport, error)
	SleepZone(ctx context.Context, zoneID string) (*commandapp.ZoneReport, error)
}

// CollectionService drives zone collection sessions through their phases.
// Counts are recomputed from persisted device and telemetry state at every
// transition, so a restarted service picks up exactly where it stopped.
type CollectionService struct {
	sessions workflows.SessionRepository
	zones    ZoneMembers
	readings telemetry.Repository
	commands ZoneCommander
	logger   *log.Logger
}

// NewCollectionService constructs a collection coordinator.
func NewCollectionService(
	sessions workflows.SessionRepository,
	zones ZoneMembers,
	readings telemetry.Repository,
	commands ZoneCommander,
	logger *log.Logger,
) (*CollectionService, error) {
	if sessions == nil {
		return nil, errors.New("collection: nil session repo")
	}
	if zones == nil {
		return nil, errors.New("collection: nil zone resolver")
	}
	if readings == nil {
		return nil, errors.New("collection: nil telemetry repo")
	}
	if commands == nil {
		return nil, errors.New("collection: nil zone commander")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CollectionService{
		sessions: sessions,
		zones:    zones,
		readings: readings,
		commands: commands,
		logger:   logger,
	}, nil
}

// Start opens a session for a zone and wakes its members. The conditional
// insert enforces one active session per zone; the wake fan-out report is
// returned alongside the session and is partial-success.
func (s *CollectionService) Start(ctx context.Context, zoneID string, collectionHours int) (*workflows.CollectionSession, *commandapp.ZoneReport, error) {
	if zoneID == "" {
		return nil, nil, errors.New("collection: empty zone id")
	}
	if collectionHours <= 0 {
		collectionHours = defaultCollectionHours
	}

	members, err := s.zones.ListMembers(ctx, zoneID)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	session := &workflows.CollectionSession{
		SessionID:     newSessionID(),
		ZoneID:        zoneID,
		Phase:         workflows.PhaseStarted,
		BinsTotal:     len(members),
		BinsResponded: countResponded(members, now),
		StartedAt:     now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, nil, err
	}
	metrics.IncSessionPhase(workflows.PhaseStarted)
	s.logger.Printf("collection: session started: session=%s zone=%s bins=%d", session.SessionID, zoneID, session.BinsTotal)

	report, err := s.commands.WakeZone(ctx, zoneID, collectionHours)
	if err != nil {
		// Session stays started; the retry sweep and manual re-wake cover it.
		s.logger.Printf("collection: wake fan-out error: session=%s zone=%s err=%v", session.SessionID, zoneID, err)
	}
	return session, report, nil
}

// Check advances started -> checked, refreshing the response counts.
func (s *CollectionService) Check(ctx context.Context, sessionID string) (*workflows.CollectionSession, error) {
	return s.advance(ctx, sessionID, workflows.PhaseStarted, workflows.PhaseChecked)
}

// Finish advances checked -> finished and computes bins_collected: the
// responded bins minus those whose last reported fill level suggests the
// crew missed them.
func (s *CollectionService) Finish(ctx context.Context, sessionID string) (*workflows.CollectionSession, error) {
	return s.advance(ctx, sessionID, workflows.PhaseChecked, workflows.PhaseFinished)
}

// End advances finished -> ended and puts the zone back to sleep.
func (s *CollectionService) End(ctx context.Context, sessionID string) (*workflows.CollectionSession, error) {
	session, err := s.advance(ctx, sessionID, workflows.PhaseFinished, workflows.PhaseEnded)
	if err != nil {
		return nil, err
	}
	if _, serr := s.commands.SleepZone(ctx, session.ZoneID); serr != nil {
		s.logger.Printf("collection: sleep fan-out error: session=%s zone=%s err=%v", sessionID, session.ZoneID, serr)
	}
	return session, nil
}

// Get returns a session by id, or nil when absent.
func (s *CollectionService) Get(ctx context.Context, sessionID string) (*workflows.CollectionSession, error) {
	if sessionID == "" {
		return nil, errors.New("collection: empty session id")
	}
	return s.sessions.GetByID(ctx, sessionID)
}

// ActiveForZone returns the zone's current session, or nil.
func (s *CollectionService) ActiveForZone(ctx context.Context, zoneID string) (*workflows.CollectionSession, error) {
	if zoneID == "" {
		return nil, errors.New("collection: empty zone id")
	}
	return s.sessions.GetActiveByZone(ctx, zoneID)
}

// ListRecent returns the newest sessions across all zones.
func (s *CollectionService) ListRecent(ctx context.Context, limit int) ([]workflows.CollectionSession, error) {
	return s.sessions.ListRecent(ctx, limit)
}

func (s *CollectionService) advance(ctx context.Context, sessionID, fromPhase, toPhase string) (*workflows.CollectionSession, error) {
	if sessionID == "" {
		return nil, errors.New("collection: empty session id")
	}
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, errors.New("collection: unknown session " + sessionID)
	}
	if session.Phase != fromPhase {
		return nil, errors.New("collection: session " + sessionID + " is " + session.Phase + ", not " + fromPhase)
	}

	members, err := s.zones.ListMembers(ctx, session.ZoneID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	session.Phase = toPhase
	session.BinsTotal = len(members)
	session.BinsResponded = countResponded(members, now)

	switch toPhase {
	case workflows.PhaseChecked:
		session.CheckedAt = now
	case workflows.PhaseFinished:
		session.FinishedAt = now
		collected, cerr := s.countCollected(ctx, members, now)
		if cerr != nil {
			return nil, cerr
		}
		session.BinsCollected = collected
	case workflows.PhaseEnded:
		session.EndedAt = now
	}

	changed, err := s.sessions.Advance(ctx, session, fromPhase)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, errors.New("collection: session " + sessionID + " advanced concurrently")
	}
	metrics.IncSessionPhase(toPhase)
	s.logger.Printf("collection: session %s: session=%s zone=%s responded=%d/%d collected=%d",
		toPhase, sessionID, session.ZoneID, session.BinsResponded, session.BinsTotal, session.BinsCollected)
	return session, nil
}

// countCollected subtracts the likely-missed bins from the responded ones.
// A responded bin whose latest fill is still above the threshold was
// probably skipped.
func (s *CollectionService) countCollected(ctx context.Context, members []devices.Device, now time.Time) (int, error) {
	responded := make([]string, 0, len(members))
	for _, member := range members {
		if respondedRecently(member, now) {
			responded = append(responded, member.ID)
		}
	}
	fills, err := s.readings.LatestFill(ctx, responded)
	if err != nil {
		return 0, err
	}
	collected := 0
	for _, id := range responded {
		if fill, ok := fills[id]; ok && fill > missedFillThreshold {
			continue
		}
		collected++
	}
	return collected, nil
}

func countResponded(members []devices.Device, now time.Time) int {
	count := 0
	for _, member := range members {
		if respondedRecently(member, now) {
			count++
		}
	}
	return count
}

func respondedRecently(device devices.Device, now time.Time) bool {
	return !device.LastSeen.IsZero() && now.Sub(device.LastSeen) <= respondedWindow
}

func newSessionID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return "cs-" + hex.EncodeToString(buf[:])
}
