// Package telemetry provides the Manager daemon's Prometheus metrics; the
// daemon's logger is built in cmd/manager. It mirrors the role the teacher's
// internal/metrics package plays for a BFD daemon (SPEC_FULL.md Section 1).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "dpsa4fl"
	subsystem = "manager"
)

// Label names for Manager metrics.
const (
	labelRole     = "role"
	labelEndpoint = "endpoint"
	labelMethod   = "method"
	labelStatus   = "status"
)

// Collector holds all Manager Prometheus metrics (spec.md Section 6's
// HTTP API and Section 4.1's session/task lifecycle, surfaced for
// operational monitoring).
type Collector struct {
	// Sessions tracks the number of currently live training sessions.
	Sessions *prometheus.GaugeVec

	// TasksProvisioned counts start_round calls that successfully
	// upserted an AggregatorTask into the TaskStore, per role.
	TasksProvisioned *prometheus.CounterVec

	// TasksAborted counts abort_round calls, per role.
	TasksAborted *prometheus.CounterVec

	// RequestDuration observes HTTP request latency per endpoint/method/
	// status, the way the teacher's interceptors would if it exposed
	// metrics from its ConnectRPC interceptor chain.
	RequestDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector with all Manager metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.TasksProvisioned,
		c.TasksAborted,
		c.RequestDuration,
	)

	return c
}

func newMetrics() *Collector {
	roleLabels := []string{labelRole}
	requestLabels := []string{labelEndpoint, labelMethod, labelStatus}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently live training sessions.",
		}, roleLabels),

		TasksProvisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_provisioned_total",
			Help:      "Total start_round calls that upserted an aggregator task.",
		}, roleLabels),

		TasksAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_aborted_total",
			Help:      "Total abort_round calls.",
		}, roleLabels),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency for the Manager session API.",
			Buckets:   prometheus.DefBuckets,
		}, requestLabels),
	}
}

// RegisterSession increments the active sessions gauge for role.
func (c *Collector) RegisterSession(role string) {
	c.Sessions.WithLabelValues(role).Inc()
}

// UnregisterSession decrements the active sessions gauge for role.
func (c *Collector) UnregisterSession(role string) {
	c.Sessions.WithLabelValues(role).Dec()
}

// IncTasksProvisioned increments the task-provisioning counter for role.
func (c *Collector) IncTasksProvisioned(role string) {
	c.TasksProvisioned.WithLabelValues(role).Inc()
}

// IncTasksAborted increments the task-abort counter for role.
func (c *Collector) IncTasksAborted(role string) {
	c.TasksAborted.WithLabelValues(role).Inc()
}

// ObserveRequestDuration records one HTTP request's latency, in seconds.
func (c *Collector) ObserveRequestDuration(endpoint, method, status string, seconds float64) {
	c.RequestDuration.WithLabelValues(endpoint, method, status).Observe(seconds)
}
