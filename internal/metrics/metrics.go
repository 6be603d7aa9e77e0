// Package metrics exposes Prometheus counters and gauges for the
// server-connection broker, the workspace-manager pass loop, and the
// reconnect backoff policy. These are additive observability (§1 does
// not exclude them; it excludes content-level semantics, not runtime
// health signals).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ServerConnStatus reports the current conn_status per server, as a
	// gauge valued 0..3 (Disconnected, Connecting, Connected, Disconnecting).
	ServerConnStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kwm",
		Subsystem: "serverconn",
		Name:      "status",
		Help:      "Current conn_status of a server handle (0=Disconnected,1=Connecting,2=Connected,3=Disconnecting).",
	}, []string{"server"})

	// TransferBudgetExhausted counts broker iterations where the
	// per-server 20-step transfer budget (§4.3) was exhausted rather
	// than the loop stopping early for lack of progress.
	TransferBudgetExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kwm",
		Subsystem: "serverconn",
		Name:      "transfer_budget_exhausted_total",
		Help:      "Times a server's per-iteration transfer budget was exhausted.",
	}, []string{"server"})

	// QuenchState reports the broker's current quench mode: 0=None, 1=Deadline, 2=Forever.
	QuenchState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kwm",
		Subsystem: "serverconn",
		Name:      "quench_state",
		Help:      "Current quench mode (0=None,1=Deadline,2=Forever).",
	})

	// ReconnectFailures counts consecutive connect failures per server,
	// mirroring failed_connect_count but as a cumulative counter for
	// alerting on pathological reconnect loops.
	ReconnectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kwm",
		Subsystem: "serverconn",
		Name:      "reconnect_failures_total",
		Help:      "Cumulative failed connect attempts per server.",
	}, []string{"server"})

	// ManagerPassDuration tracks wall-clock time spent in one
	// workspace-manager pass (§4.6).
	ManagerPassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kwm",
		Subsystem: "manager",
		Name:      "pass_duration_seconds",
		Help:      "Duration of one workspace-manager pass.",
		Buckets:   prometheus.DefBuckets,
	})

	// WorkspacesByRunlevel reports the count of workspaces at each derived runlevel.
	WorkspacesByRunlevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kwm",
		Subsystem: "manager",
		Name:      "workspaces_by_runlevel",
		Help:      "Number of workspaces at each runlevel (stopped, offline, online).",
	}, []string{"runlevel"})

	// EventLogUnprocessed reports the unprocessed event backlog per workspace.
	EventLogUnprocessed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kwm",
		Subsystem: "store",
		Name:      "event_log_unprocessed",
		Help:      "Unprocessed event count per workspace.",
	}, []string{"workspace"})
)

// Collectors bundles all collectors for a single MustRegister call at
// startup, so cmd/kwmd doesn't need to know the full metric set.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ServerConnStatus,
		TransferBudgetExhausted,
		QuenchState,
		ReconnectFailures,
		ManagerPassDuration,
		WorkspacesByRunlevel,
		EventLogUnprocessed,
	}
}
