// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykit/orchestrate/config"
)

// Metrics provides Prometheus metrics collection for the platform.
type Metrics struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	// Stage execution metrics
	stageExecutions    *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	stageRetries       *prometheus.CounterVec
	stageFallbacks     *prometheus.CounterVec

	// Agent router/dispatch metrics (C4, C5)
	routerSelections *prometheus.CounterVec
	routerNoAgent    *prometheus.CounterVec
	agentCalls       *prometheus.CounterVec
	agentCallErrors  *prometheus.CounterVec
	agentLoad        *prometheus.GaugeVec

	// Gateway metrics
	gatewayConnections *prometheus.GaugeVec
	gatewayDisconnects *prometheus.CounterVec

	// Kanban metrics
	taskClaims     *prometheus.CounterVec
	taskCompletion *prometheus.CounterVec
	taskRetries    *prometheus.CounterVec
	taskDeadLetter *prometheus.CounterVec

	// Webhook dispatcher metrics
	webhookDeliveries *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	webhookDeadLetter *prometheus.CounterVec

	// Resource lock metrics
	lockAcquisitions *prometheus.CounterVec
	lockConflicts    *prometheus.CounterVec

	// HTTP metrics
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpRequestSize  *prometheus.HistogramVec
	httpResponseSize *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance from configuration. The caller
// (Manager) is expected to have already applied defaults to cfg.
func NewMetrics(cfg *config.MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}

	m.initWorkflowMetrics()
	m.initRouterMetrics()
	m.initGatewayMetrics()
	m.initKanbanMetrics()
	m.initWebhookMetrics()
	m.initLockMetrics()
	m.initHTTPMetrics()

	return m, nil
}

func (m *Metrics) initWorkflowMetrics() {
	m.stageExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "stage",
			Name:      "executions_total",
			Help:      "Total number of stage execution attempts, by outcome",
		},
		[]string{"capability", "outcome"},
	)

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Stage execution duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"capability"},
	)

	m.stageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "stage",
			Name:      "retries_total",
			Help:      "Total number of stage retry attempts",
		},
		[]string{"capability"},
	)

	m.stageFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "stage",
			Name:      "fallbacks_total",
			Help:      "Total number of stage executions that fell back to a second agent",
		},
		[]string{"capability"},
	)

	m.registry.MustRegister(m.stageExecutions, m.stageDuration, m.stageRetries, m.stageFallbacks)
}

func (m *Metrics) initRouterMetrics() {
	m.routerSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "router",
			Name:      "selections_total",
			Help:      "Total number of agent selections made by the router",
		},
		[]string{"capability"},
	)

	m.routerNoAgent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "router",
			Name:      "no_agent_available_total",
			Help:      "Total number of times no candidate agent had capacity",
		},
		[]string{"capability"},
	)

	m.agentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "agent",
			Name:      "calls_total",
			Help:      "Total number of agent /orchestration/execute calls",
		},
		[]string{"agent_id"},
	)

	m.agentCallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "agent",
			Name:      "call_errors_total",
			Help:      "Total number of agent call errors, by classification",
		},
		[]string{"agent_id", "code"},
	)

	m.agentLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Subsystem: "agent",
			Name:      "in_flight_dispatches",
			Help:      "Current in-flight dispatch count per agent",
		},
		[]string{"agent_id"},
	)

	m.registry.MustRegister(m.routerSelections, m.routerNoAgent, m.agentCalls, m.agentCallErrors, m.agentLoad)
}

func (m *Metrics) initGatewayMetrics() {
	m.gatewayConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Subsystem: "gateway",
			Name:      "connected_agents",
			Help:      "Number of agents with an open persistent stream",
		},
		[]string{},
	)

	m.gatewayDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "gateway",
			Name:      "disconnects_total",
			Help:      "Total number of gateway stream closures, by reason",
		},
		[]string{"reason"},
	)

	m.registry.MustRegister(m.gatewayConnections, m.gatewayDisconnects)
}

func (m *Metrics) initKanbanMetrics() {
	m.taskClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "kanban",
			Name:      "task_claims_total",
			Help:      "Total number of task claim attempts, by outcome",
		},
		[]string{"outcome"},
	)

	m.taskCompletion = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "kanban",
			Name:      "task_completions_total",
			Help:      "Total number of task completions, by resulting status",
		},
		[]string{"status"},
	)

	m.taskRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "kanban",
			Name:      "task_retries_total",
			Help:      "Total number of task retries after failure",
		},
		[]string{},
	)

	m.taskDeadLetter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "kanban",
			Name:      "task_dead_letters_total",
			Help:      "Total number of tasks exhausting their retry budget",
		},
		[]string{},
	)

	m.registry.MustRegister(m.taskClaims, m.taskCompletion, m.taskRetries, m.taskDeadLetter)
}

func (m *Metrics) initWebhookMetrics() {
	m.webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of webhook delivery attempts, by outcome",
		},
		[]string{"event", "outcome"},
	)

	m.webhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Webhook delivery request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	m.webhookDeadLetter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "webhook",
			Name:      "dead_letters_total",
			Help:      "Total number of webhook deliveries exhausting their attempt budget",
		},
		[]string{"event"},
	)

	m.registry.MustRegister(m.webhookDeliveries, m.webhookDuration, m.webhookDeadLetter)
}

func (m *Metrics) initLockMetrics() {
	m.lockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Total number of resource lock acquisition attempts, by outcome",
		},
		[]string{"resource_type", "outcome"},
	)

	m.lockConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "lock",
			Name:      "conflicts_total",
			Help:      "Total number of resource lock conflicts detected",
		},
		[]string{"resource_type"},
	)

	m.registry.MustRegister(m.lockAcquisitions, m.lockConflicts)
}

func (m *Metrics) initHTTPMetrics() {
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.httpRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "http",
			Name:      "request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "path"},
	)

	m.httpResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "path"},
	)

	m.registry.MustRegister(m.httpRequests, m.httpDuration, m.httpRequestSize, m.httpResponseSize)
}

// =============================================================================
// Stage metrics
// =============================================================================

// RecordStageExecution records a stage execution outcome ("completed" or "failed").
func (m *Metrics) RecordStageExecution(capability, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageExecutions.WithLabelValues(capability, outcome).Inc()
	m.stageDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordStageRetry records one retry of a stage attempt.
func (m *Metrics) RecordStageRetry(capability string) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(capability).Inc()
}

// RecordStageFallback records a stage execution falling back to a second agent.
func (m *Metrics) RecordStageFallback(capability string) {
	if m == nil {
		return
	}
	m.stageFallbacks.WithLabelValues(capability).Inc()
}

// =============================================================================
// Router / agent call metrics
// =============================================================================

// RecordRouterSelection records a successful agent selection for a capability.
func (m *Metrics) RecordRouterSelection(capability string) {
	if m == nil {
		return
	}
	m.routerSelections.WithLabelValues(capability).Inc()
}

// RecordRouterNoAgent records a selection attempt that found no available agent.
func (m *Metrics) RecordRouterNoAgent(capability string) {
	if m == nil {
		return
	}
	m.routerNoAgent.WithLabelValues(capability).Inc()
}

// RecordAgentCall records an agent HTTP call, and its error classification if any.
func (m *Metrics) RecordAgentCall(agentID, errorCode string) {
	if m == nil {
		return
	}
	m.agentCalls.WithLabelValues(agentID).Inc()
	if errorCode != "" {
		m.agentCallErrors.WithLabelValues(agentID, errorCode).Inc()
	}
}

// SetAgentLoad sets the current in-flight dispatch gauge for an agent.
func (m *Metrics) SetAgentLoad(agentID string, load int) {
	if m == nil {
		return
	}
	m.agentLoad.WithLabelValues(agentID).Set(float64(load))
}

// =============================================================================
// Gateway metrics
// =============================================================================

// SetGatewayConnections sets the current number of connected agent streams.
func (m *Metrics) SetGatewayConnections(count int) {
	if m == nil {
		return
	}
	m.gatewayConnections.WithLabelValues().Set(float64(count))
}

// RecordGatewayDisconnect records a gateway stream closing for a given reason.
func (m *Metrics) RecordGatewayDisconnect(reason string) {
	if m == nil {
		return
	}
	m.gatewayDisconnects.WithLabelValues(reason).Inc()
}

// =============================================================================
// Kanban metrics
// =============================================================================

// RecordTaskClaim records a claim attempt outcome ("claimed", "conflict", "not_member").
func (m *Metrics) RecordTaskClaim(outcome string) {
	if m == nil {
		return
	}
	m.taskClaims.WithLabelValues(outcome).Inc()
}

// RecordTaskCompletion records a task reaching a terminal or review status.
func (m *Metrics) RecordTaskCompletion(status string) {
	if m == nil {
		return
	}
	m.taskCompletion.WithLabelValues(status).Inc()
}

// RecordTaskRetry records a task returning to todo after a failure.
func (m *Metrics) RecordTaskRetry() {
	if m == nil {
		return
	}
	m.taskRetries.WithLabelValues().Inc()
}

// RecordTaskDeadLetter records a task exhausting its retry budget.
func (m *Metrics) RecordTaskDeadLetter() {
	if m == nil {
		return
	}
	m.taskDeadLetter.WithLabelValues().Inc()
}

// =============================================================================
// Webhook metrics
// =============================================================================

// RecordWebhookDelivery records a delivery attempt outcome.
func (m *Metrics) RecordWebhookDelivery(event, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(event, outcome).Inc()
	m.webhookDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// RecordWebhookDeadLetter records a delivery exhausting its attempt budget.
func (m *Metrics) RecordWebhookDeadLetter(event string) {
	if m == nil {
		return
	}
	m.webhookDeadLetter.WithLabelValues(event).Inc()
}

// =============================================================================
// Lock metrics
// =============================================================================

// RecordLockAcquisition records a lock acquisition attempt outcome.
func (m *Metrics) RecordLockAcquisition(resourceType, outcome string) {
	if m == nil {
		return
	}
	m.lockAcquisitions.WithLabelValues(resourceType, outcome).Inc()
}

// RecordLockConflict records an acquisition refused because another owner
// holds the resource's lock.
func (m *Metrics) RecordLockConflict(resourceType string) {
	if m == nil {
		return
	}
	m.lockConflicts.WithLabelValues(resourceType).Inc()
}

// =============================================================================
// HTTP metrics
// =============================================================================

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration, reqSize, respSize int64) {
	if m == nil {
		return
	}
	status := statusCodeLabel(statusCode)
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	if reqSize > 0 {
		m.httpRequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	}
	if respSize > 0 {
		m.httpResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
	}
}

func statusCodeLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// =============================================================================
// HTTP Handler
// =============================================================================

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
