package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gate metrics
var (
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_protection_gate_decisions_total",
			Help: "Total number of gate decisions by attempt kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	VerifierDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "login_protection_verifier_duration_seconds",
			Help:    "Duration of external credential verification calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	LockoutsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_protection_lockouts_applied_total",
			Help: "Total number of lockouts applied by subject kind",
		},
		[]string{"subject_kind"},
	)

	StorageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_protection_storage_errors_total",
			Help: "Storage failures tolerated on the decision path",
		},
		[]string{"component"},
	)
)

// State metrics, refreshed by the sweeper
var (
	ActiveLockouts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "login_protection_active_lockouts",
			Help: "Current number of active lockouts by subject kind",
		},
		[]string{"subject_kind"},
	)

	BlockedIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "login_protection_blocked_ips",
			Help: "Current number of blocked IP addresses",
		},
	)
)

// Background metrics
var (
	SweepStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_protection_sweep_steps_total",
			Help: "Sweeper step executions by step and result",
		},
		[]string{"step", "result"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "login_protection_sweep_duration_seconds",
			Help:    "Duration of a full sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "login_protection_sweeps_skipped_total",
			Help: "Sweeps skipped because a previous sweep was still running",
		},
	)

	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_protection_security_events_total",
			Help: "Security events delivered to handlers by type",
		},
		[]string{"event_type"},
	)

	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "login_protection_events_dropped_total",
			Help: "Security events dropped because the dispatch queue was full",
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_protection_http_requests_total",
			Help: "HTTP requests by route pattern, method and status code",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "login_protection_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	HTTPRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "login_protection_http_rate_limited_total",
			Help: "Requests rejected by the coarse HTTP rate limiter",
		},
	)
)
