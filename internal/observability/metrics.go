// Package observability provides Prometheus metrics for the relm driver.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects driver-level Prometheus metrics.
//
// The metrics system tracks:
//   - LM request counts, latency, and token consumption per model
//   - Sub-query traffic served by the LM handler
//   - Code-block execution counts and latency in the environment
//   - Controller iterations per outcome
//
// All receivers are nil-safe helpers; components hold a *Metrics that may
// be nil when metrics are disabled.
type Metrics struct {
	// LMRequestCounter counts LM requests by model and status (success|error).
	LMRequestCounter *prometheus.CounterVec

	// LMRequestDuration measures LM call latency in seconds by model.
	LMRequestDuration *prometheus.HistogramVec

	// LMTokensUsed tracks token consumption by model and type (input|output).
	LMTokensUsed *prometheus.CounterVec

	// SubQueryCounter counts handler-served sub-queries by kind (single|batched)
	// and status (success|error).
	SubQueryCounter *prometheus.CounterVec

	// CodeExecutionDuration measures code-block execution latency in seconds.
	CodeExecutionDuration prometheus.Histogram

	// IterationCounter counts controller iterations by outcome
	// (continue|final|synthesized).
	IterationCounter *prometheus.CounterVec
}

// NewMetrics creates all driver metrics registered against reg. Call once
// per registry; pass prometheus.DefaultRegisterer for the process-global
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relm_lm_requests_total",
				Help: "Total LM requests by model and status",
			},
			[]string{"model", "status"},
		),
		LMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relm_lm_request_duration_seconds",
				Help:    "LM request latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		LMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relm_lm_tokens_total",
				Help: "Token consumption by model and type",
			},
			[]string{"model", "type"},
		),
		SubQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relm_subqueries_total",
				Help: "Sub-queries served by the LM handler",
			},
			[]string{"kind", "status"},
		),
		CodeExecutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relm_code_execution_duration_seconds",
				Help:    "Code-block execution latency in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		IterationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relm_iterations_total",
				Help: "Controller iterations by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveLMRequest records one LM call.
func (m *Metrics) ObserveLMRequest(model string, seconds float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LMRequestCounter.WithLabelValues(model, status).Inc()
	m.LMRequestDuration.WithLabelValues(model).Observe(seconds)
}

// ObserveTokens records token consumption for one LM call.
func (m *Metrics) ObserveTokens(model string, inputTokens, outputTokens int64) {
	if m == nil {
		return
	}
	m.LMTokensUsed.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.LMTokensUsed.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// ObserveSubQuery records one handler-served sub-query.
func (m *Metrics) ObserveSubQuery(kind string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SubQueryCounter.WithLabelValues(kind, status).Inc()
}

// ObserveCodeExecution records one code-block execution.
func (m *Metrics) ObserveCodeExecution(seconds float64) {
	if m == nil {
		return
	}
	m.CodeExecutionDuration.Observe(seconds)
}

// ObserveIteration records one controller iteration by outcome.
func (m *Metrics) ObserveIteration(outcome string) {
	if m == nil {
		return
	}
	m.IterationCounter.WithLabelValues(outcome).Inc()
}
