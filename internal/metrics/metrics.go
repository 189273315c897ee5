// Package metrics registers the gateway's Prometheus instrumentation,
// following the teacher's internal/escrow.Metrics shape: one struct of
// promauto-registered vectors, built once and threaded through the
// components that observe it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the edge and brain processes.
type Metrics struct {
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	SessionTurnTotal    *prometheus.CounterVec
	SessionTurnDuration *prometheus.HistogramVec

	SelectionFailures *prometheus.CounterVec

	ExecutorInFlight *prometheus.GaugeVec
	OrgInFlight      *prometheus.GaugeVec

	ExecutorsConnected *prometheus.GaugeVec
	ClientsConnected   prometheus.Gauge

	WorkspaceCommits   *prometheus.CounterVec
	WorkspaceConflicts *prometheus.CounterVec
}

// New builds and registers the gateway's metrics against the default
// Prometheus registry.
func New() *Metrics {
	return &Metrics{
		DispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Total workflow dispatch requests processed, by kind and status.",
			},
			[]string{"kind", "status"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_dispatch_duration_seconds",
				Help:    "Duration of workflow dispatch requests end to end.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		SessionTurnTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_session_turn_total",
				Help: "Total session turns processed, by status.",
			},
			[]string{"status"},
		),
		SessionTurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_session_turn_duration_seconds",
				Help:    "Duration of a full session turn from session_send to reply.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"engine_id"},
		),
		SelectionFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_selection_failures_total",
				Help: "Executor selection failures, by error code.",
			},
			[]string{"code"},
		),
		ExecutorInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_executor_in_flight",
				Help: "Current in-flight reservation count per executor.",
			},
			[]string{"executor_id"},
		),
		OrgInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_org_in_flight",
				Help: "Current in-flight reservation count per organization.",
			},
			[]string{"organization_id"},
		),
		ExecutorsConnected: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_executors_connected",
				Help: "Executor sockets currently held open by this edge, by pool.",
			},
			[]string{"pool"},
		),
		ClientsConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_clients_connected",
				Help: "Client sockets currently held open by this edge.",
			},
		),
		WorkspaceCommits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_workspace_commits_total",
				Help: "Successful workspace version commits.",
			},
			[]string{"owner_type"},
		),
		WorkspaceConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_workspace_conflicts_total",
				Help: "Workspace commit attempts rejected for a stale expectedCurrentVersion.",
			},
			[]string{"owner_type"},
		),
	}
}
