package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one process. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	blocks        *prometheus.CounterVec
	inFlight      prometheus.Gauge
	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	toolFallbacks *prometheus.CounterVec
	iterations    prometheus.Histogram
	discovered    *prometheus.CounterVec
}

// NewMetrics registers every collector on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researcher",
			Name:      "blocks_finished_total",
			Help:      "Topic blocks that reached a terminal status.",
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "researcher",
			Name:      "blocks_in_flight",
			Help:      "Topic blocks currently being researched.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researcher",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool type and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "researcher",
			Name:      "tool_call_duration_seconds",
			Help:      "Latency of a tool invocation including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"tool"}),
		toolFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researcher",
			Name:      "tool_fallbacks_total",
			Help:      "Times a tool type fell back to another mode.",
		}, []string{"from", "to"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "researcher",
			Name:      "block_iterations",
			Help:      "Research iterations spent per block.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researcher",
			Name:      "topics_discovered_total",
			Help:      "Topic proposals by admission outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.blocks, m.inFlight, m.toolCalls, m.toolDuration, m.toolFallbacks, m.iterations, m.discovered,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// BlockStarted bumps the in-flight gauge.
func (m *Metrics) BlockStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// BlockFinished records a terminal status and the iterations spent.
func (m *Metrics) BlockFinished(status string, iterations int) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.blocks.WithLabelValues(status).Inc()
	m.iterations.Observe(float64(iterations))
}

// ToolCall records one invocation.
func (m *Metrics) ToolCall(tool string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ToolFallback records a switch from one tool type to another.
func (m *Metrics) ToolFallback(from, to string) {
	if m == nil {
		return
	}
	m.toolFallbacks.WithLabelValues(from, to).Inc()
}

// TopicProposal records the outcome of a discovered-topic proposal.
func (m *Metrics) TopicProposal(outcome string) {
	if m == nil {
		return
	}
	m.discovered.WithLabelValues(outcome).Inc()
}
