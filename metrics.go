package resilience

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/JohnPlummer/jp-go-resilience-engine"

// OperationMetric aggregates call statistics for one operation name.
// Success and failure reflect the outcome of the guarded operation itself,
// before any fallback substitution.
type OperationMetric struct {
	// TotalCalls is the number of guarded executions.
	TotalCalls int64 `json:"total_calls"`

	// SuccessfulCalls is the number of executions where the operation
	// (possibly after retries) returned without error.
	SuccessfulCalls int64 `json:"successful_calls"`

	// FailedCalls is the number of executions where the operation failed or
	// was rejected by an open circuit.
	FailedCalls int64 `json:"failed_calls"`

	// TotalExecutionTime is the accumulated wall time of all executions.
	TotalExecutionTime time.Duration `json:"total_execution_time"`

	// AvgExecutionTime is TotalExecutionTime divided by TotalCalls.
	AvgExecutionTime time.Duration `json:"avg_execution_time"`

	// LastError is the most recent failure text, empty if none.
	LastError string `json:"last_error,omitempty"`
}

// successRate returns the fraction of successful calls, 1.0 when idle.
func (m *OperationMetric) successRate() float64 {
	if m.TotalCalls == 0 {
		return 1.0
	}
	return float64(m.SuccessfulCalls) / float64(m.TotalCalls)
}

// engineInstruments holds the optional OpenTelemetry instruments emitted
// alongside the in-memory metrics.
type engineInstruments struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

func newEngineInstruments(provider metric.MeterProvider, logger *slog.Logger) *engineInstruments {
	meter := provider.Meter(instrumentationName)

	calls, err := meter.Int64Counter(
		"resilience.operation.calls",
		metric.WithDescription("guarded operation executions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create call counter, metrics emission disabled",
			"error", err)
		return nil
	}

	duration, err := meter.Float64Histogram(
		"resilience.operation.duration",
		metric.WithDescription("guarded operation execution time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram, metrics emission disabled",
			"error", err)
		return nil
	}

	return &engineInstruments{
		calls:    calls,
		duration: duration,
	}
}

func (i *engineInstruments) record(ctx context.Context, operationName string, success bool, elapsed time.Duration) {
	if i == nil {
		return
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operationName),
		attribute.String("outcome", outcome),
	)
	i.calls.Add(ctx, 1, attrs)
	i.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("operation", operationName),
	))
}
