package resilience

import "time"

// OperationStatus classifies an operation's recent success rate.
type OperationStatus string

const (
	// StatusHealthy means the success rate is at least 95%.
	StatusHealthy OperationStatus = "healthy"

	// StatusDegraded means the success rate is at least 80% but below 95%.
	StatusDegraded OperationStatus = "degraded"

	// StatusUnhealthy means the success rate is below 80%.
	StatusUnhealthy OperationStatus = "unhealthy"
)

// OperationHealth is the health of a single operation name.
// It provides a strongly-typed alternative to map[string]interface{} for health checks.
type OperationHealth struct {
	// Status is the classified health of the operation.
	Status OperationStatus `json:"status"`

	// SuccessRate is the fraction of calls that succeeded, 1.0 when idle.
	SuccessRate float64 `json:"success_rate"`

	// TotalCalls is the number of guarded executions observed.
	TotalCalls int64 `json:"total_calls"`

	// CircuitState is the state of the operation's circuit breaker, empty
	// when the operation has no fallback circuit.
	CircuitState string `json:"circuit_state,omitempty"`
}

// HealthSummary is a point-in-time view of every observed operation.
type HealthSummary struct {
	// Timestamp is when the summary was taken.
	Timestamp time.Time `json:"timestamp"`

	// Operations maps operation names to their health.
	Operations map[string]OperationHealth `json:"operations"`
}

// classifyHealth maps a success rate onto an OperationStatus.
func classifyHealth(successRate float64) OperationStatus {
	switch {
	case successRate >= 0.95:
		return StatusHealthy
	case successRate >= 0.80:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}
