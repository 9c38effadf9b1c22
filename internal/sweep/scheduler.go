package sweep

import (
	"context"
	"errors"
	"log"
	"time"

	commandapp "cleanroute-cloud/internal/commands/application"
	deviceapp "cleanroute-cloud/internal/devices/application"
	"cleanroute-cloud/internal/observability/metrics"
)

// Defaults for the periodic sweep. A fixed interval is deliberate: command
// volume is low and a next-retry-time queue would only lower latency, not
// change outcomes.
const (
	DefaultInterval       = 30 * time.Second
	DefaultRetryAfter     = 30 * time.Second
	DefaultOfflineTimeout = 30 * time.Minute
)

// Scheduler runs the retry and staleness sweeps on a fixed cadence. It is
// the only driver of command retries and offline transitions.
type Scheduler struct {
	tracker        *commandapp.Tracker
	liveness       *deviceapp.LivenessService
	interval       time.Duration
	retryAfter     time.Duration
	offlineTimeout time.Duration
	logger         *log.Logger
}

// NewScheduler constructs a scheduler. Zero durations take the defaults.
func NewScheduler(
	tracker *commandapp.Tracker,
	liveness *deviceapp.LivenessService,
	interval, retryAfter, offlineTimeout time.Duration,
	logger *log.Logger,
) (*Scheduler, error) {
	if tracker == nil {
		return nil, errors.New("sweep: nil tracker")
	}
	if liveness == nil {
		return nil, errors.New("sweep: nil liveness service")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	if offlineTimeout <= 0 {
		offlineTimeout = DefaultOfflineTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		tracker:        tracker,
		liveness:       liveness,
		interval:       interval,
		retryAfter:     retryAfter,
		offlineTimeout: offlineTimeout,
		logger:         logger,
	}, nil
}

// Start begins the sweep loop and blocks until the context is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.logger.Printf("sweep: started interval=%s retry_after=%s offline_timeout=%s",
		s.interval, s.retryAfter, s.offlineTimeout)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("sweep: stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one sweep round. Failures are logged and do not stop the
// loop; the next tick simply tries again.
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()
	report, err := s.tracker.SweepPending(ctx, s.retryAfter)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		s.logger.Printf("sweep: pending sweep error: err=%v", err)
	} else if report.Checked > 0 {
		s.logger.Printf("sweep: pending swept: checked=%d retried=%d failed=%d",
			report.Checked, report.Retried, report.Failed)
	}
	metrics.ObserveSweep("pending", result, time.Since(start))

	start = time.Now()
	marked, err := s.liveness.SweepStale(ctx, s.offlineTimeout)
	result = metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		s.logger.Printf("sweep: stale sweep error: err=%v", err)
	} else if marked > 0 {
		s.logger.Printf("sweep: devices marked offline: count=%d", marked)
	}
	metrics.ObserveSweep("stale", result, time.Since(start))
}
