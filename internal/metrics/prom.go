package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "lifecycle_bridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifecycle_bridge_connected_clients",
			Help: "WebSocket clients currently connected",
		},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifecycle_bridge_pending_requests",
			Help: "Requests forwarded to the MCP server awaiting a response",
		},
	)

	oldestPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifecycle_bridge_oldest_pending_request_timestamp_seconds",
			Help: "Unix time the oldest pending request was forwarded, 0 when none",
		},
	)

	forwardedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_bridge_forwarded_requests_total",
			Help: "Client requests written to the MCP server",
		},
		[]string{"method"},
	)

	rejectedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_bridge_rejected_requests_total",
			Help: "Client messages answered with a JSON-RPC error by the bridge",
		},
		[]string{"reason"},
	)

	serverMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_bridge_server_messages_total",
			Help: "Messages read from the MCP server by routing decision",
		},
		[]string{"route"},
	)

	localToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_bridge_local_tool_calls_total",
			Help: "Tool calls answered by the bridge without the MCP server",
		},
		[]string{"tool", "outcome"},
	)

	databaseSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_bridge_database_switches_total",
			Help: "Database switch attempts",
		},
		[]string{"outcome"},
	)

	switchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lifecycle_bridge_database_switch_duration_seconds",
			Help:    "Time from switch request to handshake completion",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16},
		},
	)

	serverExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_bridge_server_exits_total",
			Help: "MCP server process exits",
		},
		[]string{"requested"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, connectedClients, pendingRequests, oldestPending, forwardedRequests, rejectedRequests,
		serverMessages, localToolCalls, databaseSwitches, switchDuration, serverExits)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetConnectedClients records the current client count.
func SetConnectedClients(n int) { connectedClients.Set(float64(n)) }

// SetPendingRequests records the correlation table size.
func SetPendingRequests(n int) { pendingRequests.Set(float64(n)) }

// SetOldestPending records when the oldest pending request was forwarded.
// ok false clears the gauge.
func SetOldestPending(at time.Time, ok bool) {
	if !ok {
		oldestPending.Set(0)
		return
	}
	oldestPending.Set(float64(at.UnixNano()) / 1e9)
}

// RecordForwarded counts a request written to the MCP server.
func RecordForwarded(method string) { forwardedRequests.WithLabelValues(method).Inc() }

// RecordRejected counts a client message the bridge answered with an error.
func RecordRejected(reason string) { rejectedRequests.WithLabelValues(reason).Inc() }

// RecordServerMessage counts a message from the MCP server by route
// (routed, broadcast, handshake, stale, orphaned).
func RecordServerMessage(route string) { serverMessages.WithLabelValues(route).Inc() }

// RecordLocalTool counts a locally handled tool call.
func RecordLocalTool(tool string, success bool) {
	localToolCalls.WithLabelValues(tool, outcome(success)).Inc()
}

// RecordSwitch counts a database switch and its duration.
func RecordSwitch(success bool, seconds float64) {
	databaseSwitches.WithLabelValues(outcome(success)).Inc()
	if success {
		switchDuration.Observe(seconds)
	}
}

// RecordServerExit counts an MCP server exit.
func RecordServerExit(requested bool) {
	v := "false"
	if requested {
		v = "true"
	}
	serverExits.WithLabelValues(v).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
