package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fleet orchestrator metrics collectors
var (
	// Machine registry

	MachinesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_machines_total",
			Help: "Number of registered machines by status",
		},
		[]string{"status"},
	)

	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_registrations_total",
			Help: "Total number of agent registrations",
		},
		[]string{"result"}, // created, updated
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_heartbeats_total",
			Help: "Total number of agent heartbeats received",
		},
		[]string{"result"}, // accepted, unknown
	)

	MachinesMarkedOffline = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_machines_marked_offline_total",
			Help: "Machines flipped to offline by the liveness sweep",
		},
	)

	// Deployments

	DeploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_deployments_total",
			Help: "Deployments reaching a phase",
		},
		[]string{"phase"},
	)

	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_dispatches_total",
			Help: "Per-machine deploy command dispatches",
		},
		[]string{"result"}, // queued, failed
	)

	DeploymentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_deployment_dispatch_duration_seconds",
			Help:    "Time taken to dispatch a deployment to all targets",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProgressReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_progress_reports_total",
			Help: "Agent progress reports by reported phase",
		},
		[]string{"phase"},
	)

	// Mailbox

	CommandsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_commands_queued",
			Help: "Commands waiting in machine mailboxes",
		},
	)

	CommandsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_commands_delivered_total",
			Help: "Commands handed to agents by polling",
		},
	)

	// Broadcasting

	ObserverConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_observer_connections",
			Help: "Live observer connections",
		},
	)

	BroadcastMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_broadcast_messages_total",
			Help: "Messages delivered to observers by channel",
		},
		[]string{"channel", "result"}, // sent, failed
	)

	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_sink_errors_total",
			Help: "Errors forwarding broadcasts to external sinks",
		},
		[]string{"sink"},
	)
)

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
