// Package observability provides logging context helpers and Prometheus
// metrics shared by the queue, dispatcher, worker pool, and tool dispatcher.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)
	JobsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of job retries",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of queued jobs per priority band",
		},
		[]string{"band"},
	)
	DispatchLoopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_loop_duration_seconds",
			Help:    "Duration of one dispatcher tick",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
	)
	WorkersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workers",
			Help: "Number of workers by status",
		},
		[]string{"status"},
	)
	GeneratorTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generator_tokens_total",
			Help: "Total tokens consumed by generator calls",
		},
		[]string{"direction"},
	)
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Total tool calls by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)
	ToolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool"},
	)
	AgentCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_commands_total",
			Help: "Total commands sent over the client router by outcome",
		},
		[]string{"outcome"},
	)
)

// InitMetrics registers all collectors with the default registry. Safe to
// call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		JobsSubmittedTotal,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsRetriedTotal,
		QueueDepth,
		DispatchLoopDuration,
		WorkersGauge,
		GeneratorTokensTotal,
		ToolCallsTotal,
		ToolCallDuration,
		AgentCommandsTotal,
	)
}
