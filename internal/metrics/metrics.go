// Package metrics holds the Prometheus collectors for the bridge, the
// pipeline, the run queue and the sandbox backends.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry in tests.
type Metrics struct {
	// Bridge
	BridgeRegistered prometheus.Counter
	BridgeResolved   *prometheus.CounterVec
	BridgePending    prometheus.Gauge

	// Pipeline
	PipelineRuns        *prometheus.CounterVec
	PipelineStage       *prometheus.HistogramVec
	PipelineFixAttempts prometheus.Counter

	// Run queue
	QueueTransitions *prometheus.CounterVec

	// Sandbox backends
	SandboxRequests *prometheus.HistogramVec

	// WebSocket
	WSConnections prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BridgeRegistered: f.NewCounter(prometheus.CounterOpts{
			Name: "zapdev_bridge_registered_total",
			Help: "Total number of sandbox operations registered with the bridge",
		}),
		BridgeResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zapdev_bridge_settled_total",
			Help: "Pending operations settled, by outcome",
		}, []string{"outcome"}),
		BridgePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "zapdev_bridge_pending",
			Help: "Operations currently waiting for a browser result",
		}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zapdev_pipeline_runs_total",
			Help: "Generation runs by terminal state",
		}, []string{"outcome"}),
		PipelineStage: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zapdev_pipeline_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		PipelineFixAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "zapdev_pipeline_fix_attempts_total",
			Help: "Number of fix attempts after failed validation",
		}),
		QueueTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zapdev_runqueue_transitions_total",
			Help: "Run queue transitions by target status and result",
		}, []string{"to", "result"}),
		SandboxRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zapdev_sandbox_request_duration_seconds",
			Help:    "Sandbox operation latency by backend, operation and outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "op", "outcome"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "zapdev_ws_connections",
			Help: "Active browser agent websocket connections",
		}),
	}
}

// ObserveRegistered records a new pending operation.
func (m *Metrics) ObserveRegistered() {
	if m == nil {
		return
	}
	m.BridgeRegistered.Inc()
	m.BridgePending.Inc()
}

// ObserveSettled records a pending operation leaving the table.
func (m *Metrics) ObserveSettled(outcome string) {
	if m == nil {
		return
	}
	m.BridgeResolved.WithLabelValues(outcome).Inc()
	m.BridgePending.Dec()
}

// ObserveCorrelationMiss records a result that matched nothing.
func (m *Metrics) ObserveCorrelationMiss() {
	if m == nil {
		return
	}
	m.BridgeResolved.WithLabelValues("miss").Inc()
}

// ObserveStage records the time spent in a pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineStage.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRun records a finished generation run.
func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(outcome).Inc()
}

// ObserveFixAttempt records one fix attempt.
func (m *Metrics) ObserveFixAttempt() {
	if m == nil {
		return
	}
	m.PipelineFixAttempts.Inc()
}

// ObserveTransition records a run queue transition attempt.
func (m *Metrics) ObserveTransition(to, result string) {
	if m == nil {
		return
	}
	m.QueueTransitions.WithLabelValues(to, result).Inc()
}

// ObserveSandboxRequest records a sandbox backend call.
func (m *Metrics) ObserveSandboxRequest(backend, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SandboxRequests.WithLabelValues(backend, op, outcome).Observe(d.Seconds())
}

// ConnectionOpened tracks a websocket connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// ConnectionClosed tracks a websocket disconnect.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
