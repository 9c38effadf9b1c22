package workflows

import (
	"context"
	"errors"
	"time"
)

// Collection session phases, forward-only.
const (
	PhaseStarted  = "started"
	PhaseChecked  = "checked"
	PhaseFinished = "finished"
	PhaseEnded    = "ended"
)

// NextPhase returns the phase that follows, or "" for the last one.
func NextPhase(phase string) string {
	switch phase {
	case PhaseStarted:
		return PhaseChecked
	case PhaseChecked:
		return PhaseFinished
	case PhaseFinished:
		return PhaseEnded
	}
	return ""
}

// CanAdvanceSession reports whether a phase transition is allowed. Only the
// immediate next phase is reachable; skipping and reversing are rejected.
func CanAdvanceSession(from, to string) bool {
	return to != "" && NextPhase(from) == to
}

// CollectionSession is one zone-wide collection run. Counts are recomputed
// from persisted device and telemetry state at every phase transition, never
// carried forward from memory.
type CollectionSession struct {
	SessionID     string
	ZoneID        string
	Phase         string
	BinsTotal     int
	BinsResponded int
	BinsCollected int
	StartedAt     time.Time
	CheckedAt     time.Time
	FinishedAt    time.Time
	EndedAt       time.Time
}

// Active reports whether the session still occupies its zone.
func (s CollectionSession) Active() bool {
	return s.Phase != PhaseEnded
}

// Validate checks session invariants.
func (s CollectionSession) Validate() error {
	if s.SessionID == "" {
		return errors.New("session: empty id")
	}
	if s.ZoneID == "" {
		return errors.New("session: empty zone id")
	}
	switch s.Phase {
	case PhaseStarted, PhaseChecked, PhaseFinished, PhaseEnded:
	default:
		return errors.New("session: invalid phase " + s.Phase)
	}
	return nil
}

// ErrSessionActive is returned when a zone already has a non-ended session.
var ErrSessionActive = errors.New("session: zone already has an active session")

// SessionRepository persists collection sessions. Create enforces the
// one-active-session-per-zone rule with a conditional insert; Advance is
// guarded on the current phase.
type SessionRepository interface {
	Create(ctx context.Context, session *CollectionSession) error
	GetByID(ctx context.Context, sessionID string) (*CollectionSession, error)
	GetActiveByZone(ctx context.Context, zoneID string) (*CollectionSession, error)
	Advance(ctx context.Context, session *CollectionSession, fromPhase string) (bool, error)
	ListRecent(ctx context.Context, limit int) ([]CollectionSession, error)
}
