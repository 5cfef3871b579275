package observability

import (
	"bytes"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"course-concierge/internal/domain"
)

const namespace = "concierge"

// Metrics holds the Prometheus collectors for the turn pipeline.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	router, _ := tools.NewRouter(catalog, tools.WithObserver(metrics.ObserveTool))
type Metrics struct {
	// TurnCounter counts handled turns.
	// Labels: source (generation|fallback), status (run status), delivered (true|false)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	// Labels: source
	TurnDuration *prometheus.HistogramVec

	// FallbackCounter counts canned replies by category.
	// Labels: category
	FallbackCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|unrecognized_tool|invalid_arguments|tool_failed)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BackupCounter counts interaction backup writes.
	// Labels: status (success|error)
	BackupCounter *prometheus.CounterVec

	// WebhookEventCounter counts lifecycle events by type and disposition.
	// Labels: type, status (scheduled|logged|ignored|error|rejected)
	WebhookEventCounter *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers all collectors with reg. Passing a fresh registry
// keeps tests isolated from the process-wide default.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of user turns by reply source, run status and delivery outcome",
			},
			[]string{"source", "status", "delivered"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Duration of user turns in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"source"},
		),

		FallbackCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_replies_total",
				Help:      "Total number of canned fallback replies by category",
			},
			[]string{"category"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_executions_total",
				Help:      "Total number of tool executions by tool and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_execution_duration_seconds",
				Help:      "Duration of tool executions in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"tool_name"},
		),

		BackupCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interaction_backups_total",
				Help:      "Total number of interaction backup writes by status",
			},
			[]string{"status"},
		),

		WebhookEventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total number of run lifecycle events by type and disposition",
			},
			[]string{"type", "status"},
		),

		gatherer: reg,
	}
}

// ObserveTurn records a finished turn. Duplicate turns are not counted.
func (m *Metrics) ObserveTurn(r domain.TurnResult) {
	if r.Duplicate {
		return
	}
	status := string(r.Status)
	if status == "" {
		status = "none"
	}
	delivered := "false"
	if r.DeliveryID != "" {
		delivered = "true"
	}
	m.TurnCounter.WithLabelValues(string(r.Source), status, delivered).Inc()
	m.TurnDuration.WithLabelValues(string(r.Source)).Observe(r.Elapsed.Seconds())
	if r.Source == domain.SourceFallback {
		m.FallbackCounter.WithLabelValues(r.FallbackCategory).Inc()
	}
}

// ObserveTool matches tools.Observer.
func (m *Metrics) ObserveTool(tool, status string, elapsed time.Duration) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveBackup(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.BackupCounter.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveWebhookEvent(eventType, status string) {
	m.WebhookEventCounter.WithLabelValues(eventType, status).Inc()
}

// Gatherer exposes the registry for promhttp.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Exposition renders every registered metric in the Prometheus text format.
func (m *Metrics) Exposition() (string, string, error) {
	families, err := m.gatherer.Gather()
	if err != nil {
		return "", "", fmt.Errorf("observability: gather: %w", err)
	}
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", "", fmt.Errorf("observability: encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), string(format), nil
}
