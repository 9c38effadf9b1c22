package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "cleanroute_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	inboundMessages  *prometheus.CounterVec
	malformedTotal   *prometheus.CounterVec
	commandRequests  prometheus.Counter
	commandResults   *prometheus.CounterVec
	commandRetries   prometheus.Counter
	devicesOffline   prometheus.Counter
	sweepLatency     *prometheus.HistogramVec
	sessionPhases    *prometheus.CounterVec
	firmwareStatuses *prometheus.CounterVec
)

// Init registers collectors and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		inboundMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "inbound_messages_total",
				Help: "Total inbound device messages by kind",
			},
			[]string{"kind"},
		)
		malformedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "malformed_messages_total",
				Help: "Total dropped malformed messages by kind",
			},
			[]string{"kind"},
		)
		commandRequests = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total dispatched commands",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command results by status",
			},
			[]string{"status"},
		)
		commandRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_retries_total",
				Help: "Total command retry publishes",
			},
		)
		devicesOffline = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_offline_transitions_total",
				Help: "Total stale devices marked offline",
			},
		)
		sweepLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "sweep_latency_seconds",
				Help:    "Periodic sweep latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sweep", "result"},
		)
		sessionPhases = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "collection_session_phases_total",
				Help: "Total collection session phase transitions",
			},
			[]string{"phase"},
		)
		firmwareStatuses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "firmware_status_reports_total",
				Help: "Total firmware status reports by status",
			},
			[]string{"status"},
		)

		prometheus.MustRegister(
			inboundMessages,
			malformedTotal,
			commandRequests,
			commandResults,
			commandRetries,
			devicesOffline,
			sweepLatency,
			sessionPhases,
			firmwareStatuses,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_pending",
			Help: "Commands awaiting acknowledgment",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM commands WHERE status = 'pending'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "devices_online",
			Help: "Devices currently online",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM bins WHERE status = 'online'")
		},
	))
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}

// IncInboundMessage counts a processed inbound message.
func IncInboundMessage(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if inboundMessages != nil {
		inboundMessages.WithLabelValues(kind).Inc()
	}
}

// IncMalformed counts a dropped malformed message.
func IncMalformed(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if malformedTotal != nil {
		malformedTotal.WithLabelValues(kind).Inc()
	}
}

// IncCommandIssued increments the dispatched command counter.
func IncCommandIssued() {
	if commandRequests != nil {
		commandRequests.Inc()
	}
}

// IncCommandResult increments the command result counter.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// IncCommandRetry increments the retry counter.
func IncCommandRetry() {
	if commandRetries != nil {
		commandRetries.Inc()
	}
}

// IncDeviceOffline counts a stale device transitioning offline.
func IncDeviceOffline() {
	if devicesOffline != nil {
		devicesOffline.Inc()
	}
}

// ObserveSweep records sweep latency by sweep name and result.
func ObserveSweep(sweep, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if sweepLatency != nil {
		sweepLatency.WithLabelValues(sweep, result).Observe(duration.Seconds())
	}
}

// IncSessionPhase counts a collection session phase transition.
func IncSessionPhase(phase string) {
	if sessionPhases != nil {
		sessionPhases.WithLabelValues(phase).Inc()
	}
}

// IncFirmwareStatus counts a firmware status report.
func IncFirmwareStatus(status string) {
	if status == "" {
		status = "unknown"
	}
	if firmwareStatuses != nil {
		firmwareStatuses.WithLabelValues(status).Inc()
	}
}

// Exported result constants.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
