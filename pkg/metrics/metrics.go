package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spotplane"

const (
	noticeKindLabel  = "kind"
	outcomeLabel     = "outcome"
	commandTypeLabel = "type"
	triggerLabel     = "trigger"
	jobStatusLabel   = "status"
)

var (
	// NoticesReceived counts interruption notices by kind (rebalance or
	// termination).
	NoticesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emergency",
			Name:      "notices_received_total",
			Help:      "Count of interruption notices received, by kind.",
		},
		[]string{noticeKindLabel},
	)

	// EmergencyHandlingSeconds observes notice-to-command latency, by
	// kind and outcome.
	EmergencyHandlingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "emergency",
			Name:      "handling_seconds",
			Help:      "Time from notice receipt to the emergency command being enqueued.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{noticeKindLabel, outcomeLabel},
	)

	// Promotions counts replica promotions by trigger and outcome.
	Promotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "promotions_total",
			Help:      "Count of replica promotions, by trigger and outcome.",
		},
		[]string{triggerLabel, outcomeLabel},
	)

	// ZombiesDetected counts instances whose termination was never
	// confirmed by the agent.
	ZombiesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "zombies_detected_total",
			Help:      "Count of instances marked zombie after an unconfirmed termination.",
		},
	)

	// CommandsEnqueued counts accepted commands by type and trigger.
	CommandsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "commands_enqueued_total",
			Help:      "Count of commands accepted into the queue, by type and trigger.",
		},
		[]string{commandTypeLabel, triggerLabel},
	)

	// CommandsCompleted counts commands reaching a terminal status.
	CommandsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "commands_completed_total",
			Help:      "Count of commands reaching a terminal status, by type and status.",
		},
		[]string{commandTypeLabel, jobStatusLabel},
	)

	// ConsolidationRuns counts pricing consolidation jobs by final status.
	ConsolidationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "consolidation_runs_total",
			Help:      "Count of pricing consolidation jobs, by final status.",
		},
		[]string{jobStatusLabel},
	)

	// SnapshotsIngested counts raw price snapshots accepted from agents.
	SnapshotsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "snapshots_ingested_total",
			Help:      "Count of raw spot price snapshots accepted from agents.",
		},
	)

	// GapsFilled counts consolidated points synthesized by interpolation
	// or cloud backfill.
	GapsFilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "gaps_filled_total",
			Help:      "Count of consolidated price points synthesized to fill gaps, by source.",
		},
		[]string{"source"},
	)

	// SSEConnections gauges currently attached event stream subscribers.
	SSEConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "sse_connections",
			Help:      "Number of currently connected event stream subscribers.",
		},
	)

	// CloudAPIErrors counts provider API failures by operation.
	CloudAPIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "api_errors_total",
			Help:      "Count of cloud provider API failures, by operation.",
		},
		[]string{"operation"},
	)
)
