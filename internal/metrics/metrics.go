// Package metrics registers the Prometheus collectors the routing process
// exposes on /metrics: request counters, in-flight gauges mirroring
// SystemSummary, admission-control outcomes, and per-cloud-provider
// adapter latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llmlb_requests_total",
		Help: "Total proxied requests by route and terminal status.",
	}, []string{"route", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llmlb_request_duration_seconds",
		Help:    "End-to-end request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llmlb_admission_decisions_total",
		Help: "Admission control decisions by kind (accept, accept_with_delay, reject).",
	}, []string{"kind"})

	ActiveRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llmlb_endpoint_active_requests",
		Help: "Combined active requests per endpoint.",
	}, []string{"endpoint_id", "endpoint_name"})

	QueuedRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llmlb_queued_requests",
		Help: "Requests currently waiting for an idle endpoint.",
	})

	TokensPerSecond = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llmlb_model_tokens_per_second",
		Help: "EMA of output tokens per second per (endpoint, model).",
	}, []string{"endpoint_id", "model"})

	CloudAdapterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llmlb_cloud_adapter_latency_seconds",
		Help:    "Latency of cloud provider adapter calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "status"})

	AuditEntriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llmlb_audit_entries_dropped_total",
		Help: "Audit log entries dropped due to buffer pressure.",
	})

	HistoryRecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llmlb_history_records_dropped_total",
		Help: "Request history records dropped due to buffer pressure.",
	})
)
