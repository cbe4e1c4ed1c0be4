// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the knowledge-base
// service.
//
// # Description
//
// Prometheus metrics cover workflow runs, streamed tokens, session
// lifecycle, broker API calls, WebSocket connections and HTTP requests.
// Tracing setup lives in tracing.go.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *Metrics, so components accept
// metrics as an optional dependency.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "kb"

// Metrics holds all Prometheus collectors for the service.
//
// # Fields
//
//   - WorkflowRunsTotal: Completed workflow runs by path and outcome
//   - StepDurationSeconds: Per-step latency
//   - StreamTokensTotal: Tokens forwarded to clients
//   - SessionsActive: Live sessions
//   - SessionEvictionsTotal: Removed sessions by reason
//   - BrokerRequestsTotal: EMQX API calls by api and outcome
//   - WSConnectionsActive: Open WebSocket connections
//   - HTTPRequestsTotal: HTTP requests by endpoint and status
//   - ErrorsTotal: Errors by endpoint and code
//   - KeepAlivesTotal: Server pings sent on WebSocket connections
//   - ClientDisconnectsTotal: Disconnects while a run was in flight
type Metrics struct {
	WorkflowRunsTotal      *prometheus.CounterVec
	StepDurationSeconds    *prometheus.HistogramVec
	StreamTokensTotal      prometheus.Counter
	SessionsActive         prometheus.Gauge
	SessionEvictionsTotal  *prometheus.CounterVec
	BrokerRequestsTotal    *prometheus.CounterVec
	WSConnectionsActive    prometheus.Gauge
	HTTPRequestsTotal      *prometheus.CounterVec
	ErrorsTotal            *prometheus.CounterVec
	KeepAlivesTotal        prometheus.Counter
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the process-wide instance registered on the default
// Prometheus registry. Initialized by InitMetrics().
var DefaultMetrics *Metrics

// InitMetrics registers the metrics on the default registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates and registers all collectors on reg.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WorkflowRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "workflow_runs_total",
				Help:      "Total workflow runs by path and outcome",
			},
			[]string{"path", "outcome"},
		),

		StepDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "workflow_step_duration_seconds",
				Help:      "Workflow step duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"step"},
		),

		StreamTokensTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stream_tokens_total",
				Help:      "Total streamed tokens forwarded to clients",
			},
		),

		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_active",
				Help:      "Number of live chat sessions",
			},
		),

		SessionEvictionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "session_evictions_total",
				Help:      "Total removed sessions by reason",
			},
			[]string{"reason"},
		),

		BrokerRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "broker_requests_total",
				Help:      "Total EMQX management API requests by api and outcome",
			},
			[]string{"api", "outcome"},
		),

		WSConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "ws_connections_active",
				Help:      "Number of open WebSocket connections",
			},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "errors_total",
				Help:      "Total errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "keepalives_total",
				Help:      "Total WebSocket keepalive pings sent",
			},
		),

		ClientDisconnectsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during a workflow run",
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeLLMError         ErrorCode = "llm_error"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeBusy             ErrorCode = "busy"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// EvictionReason labels SessionEvictionsTotal.
type EvictionReason string

const (
	EvictionExpired   EvictionReason = "expired"
	EvictionSwept     EvictionReason = "swept"
	EvictionDeleted   EvictionReason = "deleted"
	EvictionOverwrite EvictionReason = "overwrite"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordWorkflowRun records a finished run. path is "question" or "log".
func (m *Metrics) RecordWorkflowRun(path, outcome string) {
	if m == nil {
		return
	}
	m.WorkflowRunsTotal.WithLabelValues(path, outcome).Inc()
}

// ObserveStep records one step's duration in seconds.
func (m *Metrics) ObserveStep(step string, seconds float64) {
	if m == nil {
		return
	}
	m.StepDurationSeconds.WithLabelValues(step).Observe(seconds)
}

// RecordToken counts one streamed token.
func (m *Metrics) RecordToken() {
	if m == nil {
		return
	}
	m.StreamTokensTotal.Inc()
}

// SetSessionsActive sets the live session gauge.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// RecordEviction counts a removed session.
func (m *Metrics) RecordEviction(reason EvictionReason, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionEvictionsTotal.WithLabelValues(string(reason)).Add(float64(n))
}

// RecordBrokerRequest counts an EMQX API call.
func (m *Metrics) RecordBrokerRequest(api string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.BrokerRequestsTotal.WithLabelValues(api, outcome).Inc()
}

// ConnectionOpened increments the WebSocket connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnectionsActive.Inc()
}

// ConnectionClosed decrements the WebSocket connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnectionsActive.Dec()
}

// RecordHTTPRequest counts a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(endpoint string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(endpoint, statusClass(status)).Inc()
}

// RecordError counts an error.
func (m *Metrics) RecordError(endpoint string, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(endpoint, string(code)).Inc()
}

// RecordKeepAlive increments the keepalive counter.
func (m *Metrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *Metrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
