// Package metrics defines the prometheus collectors exported at /metrics.
// Collectors are package-level promauto values so any component can increment
// them without carrying a handle around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsConnected tracks the number of live agents in the registry.
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ogent_agents_connected",
		Help: "Number of agents currently registered with this controller.",
	})

	// Sessions tracks open websocket sessions by role (agent, user).
	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ogent_sessions",
		Help: "Open websocket sessions by role.",
	}, []string{"role"})

	// CommandsTotal counts commands by terminal status.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ogent_commands_total",
		Help: "Commands accepted by the router, labelled by terminal status.",
	}, []string{"status"})

	// CommandDuration observes accept-to-terminal latency in seconds.
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ogent_command_duration_seconds",
		Help:    "Time from command accept to terminal outcome.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms .. ~6.8min
	})

	// EventsTotal counts protocol events by name and direction (in, out).
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ogent_events_total",
		Help: "Protocol events processed, labelled by event name and direction.",
	}, []string{"event", "direction"})

	// ProtocolViolations counts malformed frames dropped per role.
	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ogent_protocol_violations_total",
		Help: "Malformed websocket frames dropped by the gateway.",
	})
)
