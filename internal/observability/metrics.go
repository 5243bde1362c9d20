package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the runtime core.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics dependency without nil checks at every call site.
type Metrics struct {
	// ProviderRequests counts provider invocations.
	// Labels: provider, model, status (success|error)
	ProviderRequests *prometheus.CounterVec

	// ProviderLatency measures provider call latency in seconds.
	// Labels: provider, model
	ProviderLatency *prometheus.HistogramVec

	// ProviderRetries counts retried provider invocations.
	// Labels: provider, kind
	ProviderRetries *prometheus.CounterVec

	// ProviderFailovers counts moves to a fallback provider.
	// Labels: from, to
	ProviderFailovers *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// ToolExecutions counts tool dispatches.
	// Labels: tool, status (success|error|denied|timeout)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Turns counts completed turns.
	// Labels: outcome (natural|iteration_limit|error|cancelled)
	Turns *prometheus.CounterVec

	// TurnIterations observes loop iterations per turn.
	TurnIterations prometheus.Histogram

	// Errors counts errors by component and kind.
	// Labels: component, kind
	Errors *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_provider_requests_total",
				Help: "Total number of provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_provider_request_duration_seconds",
				Help:    "Duration of provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ProviderRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_provider_retries_total",
				Help: "Total number of retried provider requests by provider and error kind",
			},
			[]string{"provider", "kind"},
		),
		ProviderFailovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_provider_failovers_total",
				Help: "Total number of failovers between providers",
			},
			[]string{"from", "to"},
		),
		TokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_tokens_total",
				Help: "Total number of tokens by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_tool_executions_total",
				Help: "Total number of tool dispatches by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		Turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_turns_total",
				Help: "Total number of agent turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nexus_turn_iterations",
				Help:    "Number of model invocations per turn",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_errors_total",
				Help: "Total number of errors by component and kind",
			},
			[]string{"component", "kind"},
		),
	}
	reg.MustRegister(
		m.ProviderRequests,
		m.ProviderLatency,
		m.ProviderRetries,
		m.ProviderFailovers,
		m.TokensUsed,
		m.ToolExecutions,
		m.ToolDuration,
		m.Turns,
		m.TurnIterations,
		m.Errors,
	)
	return m
}

// RecordProviderRequest records one provider invocation.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, model, status).Inc()
	m.ProviderLatency.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordProviderRetry records a retry caused by an error of the given kind.
func (m *Metrics) RecordProviderRetry(provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderRetries.WithLabelValues(provider, kind).Inc()
}

// RecordFailover records a move from one provider to the next.
func (m *Metrics) RecordFailover(from, to string) {
	if m == nil {
		return
	}
	m.ProviderFailovers.WithLabelValues(from, to).Inc()
}

// RecordToolExecution records one tool dispatch.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(outcome string, iterations int) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnIterations.Observe(float64(iterations))
}

// RecordError records an error in a component.
func (m *Metrics) RecordError(component, kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component, kind).Inc()
}
