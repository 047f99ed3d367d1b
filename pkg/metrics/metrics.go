package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// VolatilityComputations counts ATR computations by smoothing method and outcome
var VolatilityComputations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskd_volatility_computations_total",
		Help: "Total number of volatility computations by method and outcome",
	},
	[]string{"method", "outcome"},
)

// VolatilityCacheHits counts cache lookups by result (hit/miss/redis_hit)
var VolatilityCacheHits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskd_volatility_cache_lookups_total",
		Help: "Volatility cache lookups by result",
	},
	[]string{"result"},
)

// BreachEvents counts breach events by crossed boundary
var BreachEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskd_breach_events_total",
		Help: "Breach events emitted by boundary crossed",
	},
	[]string{"boundary"},
)

// Escalations counts level transitions by direction and resulting level
var Escalations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskd_escalations_total",
		Help: "Escalation state machine transitions by direction and target level",
	},
	[]string{"direction", "level"},
)

// PositionsByLevel tracks how many open positions sit at each level
var PositionsByLevel = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "riskd_positions_by_level",
		Help: "Open positions per escalation level",
	},
	[]string{"level"},
)

// RollAnalyses counts roll analyses by urgency and whether a pick was viable
var RollAnalyses = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskd_roll_analyses_total",
		Help: "Roll analyses by urgency and outcome",
	},
	[]string{"urgency", "outcome"},
)

// BreakerTrips counts Armed to Triggered transitions per breaker type
var BreakerTrips = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "riskd_breaker_trips_total",
		Help: "Circuit breaker trips by breaker type",
	},
	[]string{"breaker"},
)

// BreakerState exposes each breaker's state as a gauge (0 armed, 1 triggered, 2 cooldown)
var BreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "riskd_breaker_state",
		Help: "Circuit breaker state per type: 0 armed, 1 triggered, 2 cooldown",
	},
	[]string{"breaker"},
)

// EvaluationLatency records the per-position evaluation pipeline latency
var EvaluationLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "riskd_evaluation_latency_seconds",
		Help:    "Latency in seconds of one position evaluation pass",
		Buckets: prometheus.DefBuckets,
	},
)

// Scheduler and collaborator plumbing
var (
	ScheduledEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskd_scheduled_evaluations_total",
			Help: "Evaluations dispatched by trigger (timer/event/cancelled)",
		},
		[]string{"trigger"},
	)

	AuditBufferDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "riskd_audit_buffer_depth",
			Help: "Events currently buffered for the audit sink",
		},
	)

	AuditPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskd_audit_publish_failures_total",
			Help: "Audit sink publish attempts that failed and were retried",
		},
	)

	CommandsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskd_commands_emitted_total",
			Help: "Action commands published to the execution collaborator",
		},
		[]string{"type", "reason"},
	)

	FeedGaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskd_feed_gaps_total",
			Help: "Detected feed anomalies by kind (gap/duplicate/out_of_order)",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(VolatilityComputations, VolatilityCacheHits)
	prometheus.MustRegister(BreachEvents, Escalations, PositionsByLevel)
	prometheus.MustRegister(RollAnalyses, BreakerTrips, BreakerState)
	prometheus.MustRegister(EvaluationLatency, ScheduledEvaluations)
	prometheus.MustRegister(AuditBufferDepth, AuditPublishFailures, CommandsEmitted, FeedGaps)
}
