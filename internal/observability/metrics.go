package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	sessionIteration prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	approvalResolved *prometheus.CounterVec

	queueDepth    *prometheus.GaugeVec
	enqueueTotal  *prometheus.CounterVec
	queueDrainage *prometheus.CounterVec

	conversationLoadDuration prometheus.Histogram
	conversationSaveDuration prometheus.Histogram

	serverStatus *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
	registry    *prometheus.Registry
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "agent_active_sessions",
				Help: "Number of agent sessions currently tracked.",
			}),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_sessions_total",
					Help: "Terminated agent sessions by terminal status.",
				},
				[]string{"status"},
			),
			sessionIteration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "agent_session_iterations",
				Help:    "Iterations consumed per completed session.",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 25},
			}),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_executions_total",
					Help: "Tool executions by server and outcome.",
				},
				[]string{"server", "outcome"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution latency by server.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"server"},
			),
			approvalResolved: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_approvals_total",
					Help: "Tool approval resolutions by outcome.",
				},
				[]string{"outcome"},
			),
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "message_queue_depth",
					Help: "Pending queued messages by conversation.",
				},
				[]string{"conversation"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "message_queue_enqueued_total",
					Help: "Messages enqueued by conversation.",
				},
				[]string{"conversation"},
			),
			queueDrainage: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "message_queue_drained_total",
					Help: "Queued messages drained into sessions by outcome.",
				},
				[]string{"outcome"},
			),
			conversationLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "conversation_load_duration_seconds",
				Help:    "Conversation load latency.",
				Buckets: prometheus.DefBuckets,
			}),
			conversationSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "conversation_save_duration_seconds",
				Help:    "Conversation save latency.",
				Buckets: prometheus.DefBuckets,
			}),
			serverStatus: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "tool_server_up",
					Help: "Tool server connection status (1 running, 0 otherwise).",
				},
				[]string{"server"},
			),
		}

		registry = prometheus.NewRegistry()
		registry.MustRegister(
			m.activeSessions,
			m.sessionsTotal,
			m.sessionIteration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.approvalResolved,
			m.queueDepth,
			m.enqueueTotal,
			m.queueDrainage,
			m.conversationLoadDuration,
			m.conversationSaveDuration,
			m.serverStatus,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call from any package init path.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns an HTTP handler exposing the module metrics.
func Handler() http.Handler {
	getMetrics()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetActiveSessions records the current number of tracked sessions.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// RecordSessionEnd records a session reaching a terminal status.
func RecordSessionEnd(status string, iterations int) {
	m := getMetrics()
	m.sessionsTotal.WithLabelValues(status).Inc()
	m.sessionIteration.Observe(float64(iterations))
}

// RecordToolExecution records one tool execution.
func RecordToolExecution(server string, duration time.Duration, success bool) {
	m := getMetrics()
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	m.toolExecutionTotal.WithLabelValues(server, outcome).Inc()
	m.toolExecutionDuration.WithLabelValues(server).Observe(duration.Seconds())
}

// RecordApprovalResolution records how a pending tool approval was resolved.
// Outcome is one of "approved", "denied", "timeout".
func RecordApprovalResolution(outcome string) {
	getMetrics().approvalResolved.WithLabelValues(outcome).Inc()
}

// RecordQueueEnqueue records an enqueue and the resulting depth.
func RecordQueueEnqueue(conversationID string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(conversationID).Inc()
	m.queueDepth.WithLabelValues(conversationID).Set(float64(depth))
}

// SetQueueDepth records the pending depth for a conversation.
func SetQueueDepth(conversationID string, depth int) {
	getMetrics().queueDepth.WithLabelValues(conversationID).Set(float64(depth))
}

// RecordQueueDrain records the outcome of draining one queued message.
func RecordQueueDrain(success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	getMetrics().queueDrainage.WithLabelValues(outcome).Inc()
}

// RecordConversationLoad records conversation load latency.
func RecordConversationLoad(duration time.Duration) {
	getMetrics().conversationLoadDuration.Observe(duration.Seconds())
}

// RecordConversationSave records conversation save latency.
func RecordConversationSave(duration time.Duration) {
	getMetrics().conversationSaveDuration.Observe(duration.Seconds())
}

// SetServerUp records whether a tool server is running.
func SetServerUp(server string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	getMetrics().serverStatus.WithLabelValues(server).Set(v)
}
