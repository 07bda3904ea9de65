package emit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements Emitter by translating the subset of events
// the engine raises into Prometheus series: step latency, retry counts,
// and suspension/fallback counts. Concurrency gauges (inflight nodes,
// queue depth) have no meaning in a one-node-at-a-time engine, so there
// are none.
type PrometheusMetrics struct {
	stepLatency  *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	suspensions  *prometheus.CounterVec
	conditionErr *prometheus.CounterVec
}

// NewPrometheusMetrics registers the workflow_* metric family with registry
// (prometheus.DefaultRegisterer if nil) and returns an Emitter that can be
// passed to WithEmitter, or fanned out to alongside a LogEmitter.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "resumegraph",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"workflow_id", "node_id", "status"}),

		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resumegraph",
			Name:      "retries_total",
			Help:      "Cumulative node retry attempts",
		}, []string{"workflow_id", "node_id"}),

		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resumegraph",
			Name:      "fallbacks_total",
			Help:      "Cumulative ExecFallback invocations after exhausted retries",
		}, []string{"workflow_id", "node_id"}),

		suspensions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resumegraph",
			Name:      "suspensions_total",
			Help:      "Cumulative request_input suspensions",
		}, []string{"workflow_id", "node_id"}),

		conditionErr: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resumegraph",
			Name:      "condition_errors_total",
			Help:      "Cumulative guard expression evaluation failures",
		}, []string{"workflow_id"}),
	}
}

// Emit updates the relevant series for event.Msg. Events this emitter
// doesn't recognize are silently ignored, so it composes safely with
// whatever event vocabulary the engine emits next.
func (pm *PrometheusMetrics) Emit(event Event) {
	switch event.Msg {
	case "node_complete":
		status, _ := event.Meta["status"].(string)
		if status == "" {
			status = "success"
		}
		latencyMs, _ := event.Meta["duration_ms"].(float64)
		pm.stepLatency.WithLabelValues(event.WorkflowID, event.NodeID, status).Observe(latencyMs)
	case "retry_attempt":
		pm.retries.WithLabelValues(event.WorkflowID, event.NodeID).Inc()
	case "fallback_invoked":
		pm.fallbacks.WithLabelValues(event.WorkflowID, event.NodeID).Inc()
	case "node_suspended":
		pm.suspensions.WithLabelValues(event.WorkflowID, event.NodeID).Inc()
	case "condition_error":
		pm.conditionErr.WithLabelValues(event.WorkflowID).Inc()
	}
}

func (pm *PrometheusMetrics) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		pm.Emit(event)
	}
	return nil
}

// Flush is a no-op: Prometheus series are scraped, not pushed.
func (pm *PrometheusMetrics) Flush(context.Context) error { return nil }

// RecordStepLatency is a convenience for callers timing a node directly
// rather than threading latency through an Event's Meta map.
func (pm *PrometheusMetrics) RecordStepLatency(workflowID, nodeID string, latency time.Duration, status string) {
	pm.stepLatency.WithLabelValues(workflowID, nodeID, status).Observe(float64(latency.Milliseconds()))
}

// StepLatencyCollector, RetriesCollector, FallbacksCollector,
// SuspensionsCollector, and ConditionErrCollector expose the underlying
// vectors for callers that want to inspect or scrape them directly (tests,
// or a caller wiring its own promhttp handler alongside an Engine's).
func (pm *PrometheusMetrics) StepLatencyCollector() *prometheus.HistogramVec { return pm.stepLatency }

func (pm *PrometheusMetrics) RetriesCollector() *prometheus.CounterVec { return pm.retries }

func (pm *PrometheusMetrics) FallbacksCollector() *prometheus.CounterVec { return pm.fallbacks }

func (pm *PrometheusMetrics) SuspensionsCollector() *prometheus.CounterVec { return pm.suspensions }

func (pm *PrometheusMetrics) ConditionErrCollector() *prometheus.CounterVec { return pm.conditionErr }
