package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playground_sessions_total",
			Help: "Total number of build/test sessions by outcome",
		},
		[]string{"operation", "status"}, // status: success, validation, resource, timeout, toolchain
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playground_session_duration_ms",
			Help:    "Session duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
		[]string{"operation", "phase"}, // phase: "prepare", "run", "total"
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "playground_active_sessions",
			Help: "Number of sessions currently holding a workspace",
		},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playground_container_creation_ms",
			Help:    "Time to create and start a toolchain container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playground_rate_limit_hits_total",
			Help: "Total number of requests rejected by the admission controller",
		},
		[]string{"scope"}, // scope: "client", "global"
	)

	WorkspaceCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playground_workspace_cleanup_failures_total",
			Help: "Workspace removals that failed and were left for the janitor",
		},
	)

	JanitorRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playground_janitor_removed_total",
			Help: "Orphaned session directories reclaimed by the janitor",
		},
	)

	JanitorSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playground_janitor_sweep_duration_ms",
			Help:    "Duration of a janitor sweep in milliseconds",
			Buckets: []float64{1, 5, 25, 100, 500, 2500, 10000},
		},
	)
)
