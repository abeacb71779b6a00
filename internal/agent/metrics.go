package agent

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// runtimeMetrics holds the process-wide Prometheus collectors for the
// runtime's own hot paths: tool execution, model requests, and token
// consumption.
type runtimeMetrics struct {
	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	toolRetries    *prometheus.CounterVec
	toolPanics     *prometheus.CounterVec
	modelRequests  *prometheus.CounterVec
	modelTokens    *prometheus.CounterVec
	activeAgents   prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metrics     *runtimeMetrics
)

// runtimeMetricsInstance registers every metric exactly once per
// process, guarded by sync.Once since many Agent instances share one
// process in tests and in a multi-agent host.
func runtimeMetricsInstance() *runtimeMetrics {
	metricsOnce.Do(func() {
		metrics = &runtimeMetrics{
			toolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentrt_tool_executions_total",
				Help: "Total tool executions by tool name and outcome.",
			}, []string{"tool", "outcome"}),
			toolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "agentrt_tool_execution_duration_seconds",
				Help:    "Tool execution latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			}, []string{"tool"}),
			toolRetries: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentrt_tool_retries_total",
				Help: "Total tool-call retries by tool name.",
			}, []string{"tool"}),
			toolPanics: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentrt_tool_panics_total",
				Help: "Total tool calls that recovered from a panic.",
			}, []string{"tool"}),
			modelRequests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentrt_model_requests_total",
				Help: "Total model stream requests by stop reason.",
			}, []string{"stop_reason"}),
			modelTokens: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentrt_model_tokens_total",
				Help: "Total tokens consumed by type.",
			}, []string{"type"}),
			activeAgents: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "agentrt_active_agents",
				Help: "Number of Agent instances currently live in this process.",
			}),
		}
	})
	return metrics
}
