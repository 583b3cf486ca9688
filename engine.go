package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/metric"
)

// Engine composes retry policies and fallback strategies over arbitrary
// operations and aggregates per-operation metrics. Construct one explicitly
// at startup and pass it to call sites; independent engines do not share
// state, which keeps unit tests isolated.
//
// All methods are safe for concurrent use. Shared per-operation state is
// guarded by a lock scoped to that operation's name, so independent
// operations proceed fully concurrently.
type Engine struct {
	logger        *slog.Logger
	clock         quartz.Clock
	meterProvider metric.MeterProvider
	instruments   *engineInstruments

	mu                 sync.RWMutex
	retryPolicies      map[string]*retryPolicy
	fallbackStrategies map[string]*fallbackStrategy
	ops                map[string]*operationState
}

// operationState is the lazily-created per-operation-name shared state.
// Its mutex serializes mutations to the metric and breaker reference; it is
// never held while the operation runs or a backoff wait sleeps.
type operationState struct {
	mu      sync.Mutex
	metric  OperationMetric
	history *attemptHistory

	// breaker is built on first guarded call from the fallback strategy's
	// settings and keeps its state for the process lifetime.
	breaker         *gobreaker.CircuitBreaker[any]
	breakerStrategy string
}

// New creates an Engine.
//
// Example:
//
//	engine := resilience.New(
//	    resilience.WithLogger(logger),
//	)
//	engine.RegisterRetryPolicy("api-retry",
//	    resilience.WithMaxAttempts(5),
//	    resilience.WithExponentialBackoff(time.Second, 30*time.Second),
//	)
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:             slog.Default(),
		clock:              quartz.NewReal(),
		retryPolicies:      make(map[string]*retryPolicy),
		fallbackStrategies: make(map[string]*fallbackStrategy),
		ops:                make(map[string]*operationState),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.meterProvider != nil {
		e.instruments = newEngineInstruments(e.meterProvider, e.logger)
	}

	return e
}

// RegisterRetryPolicy registers a named retry policy. Registering an existing
// name replaces the previous policy; in-flight executions keep the instance
// they started with.
func (e *Engine) RegisterRetryPolicy(name string, opts ...RetryOption) {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	policy := newRetryPolicy(config, e.logger, e.clock)

	e.mu.Lock()
	e.retryPolicies[name] = policy
	e.mu.Unlock()

	e.logger.Debug("registered retry policy",
		"name", name,
		"strategy", string(config.Strategy),
		"max_attempts", config.MaxAttempts)
}

// RegisterFallbackStrategy registers a named fallback strategy of the given
// kind. Registering an existing name replaces the previous strategy, but
// circuit breakers already built for operations keep their state until the
// operation is reset.
func (e *Engine) RegisterFallbackStrategy(name string, kind FallbackStrategyKind, opts ...FallbackOption) {
	config := DefaultFallbackConfig()
	config.Strategy = kind
	for _, opt := range opts {
		opt(config)
	}

	strategy := newFallbackStrategy(name, config, e.logger)

	e.mu.Lock()
	e.fallbackStrategies[name] = strategy
	e.mu.Unlock()

	e.logger.Debug("registered fallback strategy",
		"name", name,
		"kind", string(kind))
}

// ExecuteResilient runs op guarded by the selected retry policy and fallback
// strategy. Without options it behaves identically to calling op directly,
// apart from metric recording.
//
// The caller either receives a (possibly degraded) result or the original
// operation error; the engine never swallows an error unless a fallback is
// configured and resolves.
func (e *Engine) ExecuteResilient(ctx context.Context, operationName string, op Operation, opts ...ExecuteOption) (any, error) {
	var selected executeOptions
	for _, opt := range opts {
		opt(&selected)
	}

	var policy *retryPolicy
	if selected.retryPolicy != "" {
		e.mu.RLock()
		policy = e.retryPolicies[selected.retryPolicy]
		e.mu.RUnlock()
		if policy == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRetryPolicy, selected.retryPolicy)
		}
	}

	var fallback *fallbackStrategy
	if selected.fallbackStrategy != "" {
		e.mu.RLock()
		fallback = e.fallbackStrategies[selected.fallbackStrategy]
		e.mu.RUnlock()
		if fallback == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFallbackStrategy, selected.fallbackStrategy)
		}
	}

	state := e.operationState(operationName)

	attempts := 0
	invoke := func(ctx context.Context) (any, error) {
		if policy != nil {
			return policy.execute(ctx, op, state.history, &attempts)
		}
		attempts = 1
		return op(ctx)
	}

	start := e.clock.Now()
	var result any
	var err error
	if fallback != nil {
		breaker := state.breakerFor(fallback, operationName)
		result, err = breaker.Execute(func() (any, error) {
			return invoke(ctx)
		})
		if err != nil && isCircuitRejection(err) {
			e.logger.Warn("circuit breaker rejected call",
				"operation", operationName,
				"error", err)
			err = wrapCircuitRejection(err, operationName, breaker.Counts())
		}
	} else {
		result, err = invoke(ctx)
	}
	elapsed := e.clock.Since(start)

	e.recordCall(ctx, state, operationName, err, elapsed)

	if err == nil {
		if fallback != nil {
			fallback.cacheResult(operationName, result)
		}
		return result, nil
	}

	if fallback != nil {
		return fallback.resolve(ctx, operationName, err, attempts)
	}
	return nil, err
}

// Guard wraps op so every invocation runs through ExecuteResilient with the
// given policy selection. Apply it at call sites where the guarded control
// flow should be visible.
//
// Example:
//
//	fetch := engine.Guard("fetch-user", fetchUser,
//	    resilience.WithRetryPolicy("db-retry"),
//	)
//	result, err := fetch(ctx)
func (e *Engine) Guard(operationName string, op Operation, opts ...ExecuteOption) Operation {
	return func(ctx context.Context) (any, error) {
		return e.ExecuteResilient(ctx, operationName, op, opts...)
	}
}

// Metrics returns a snapshot of per-operation call metrics.
func (e *Engine) Metrics() map[string]OperationMetric {
	e.mu.RLock()
	states := make(map[string]*operationState, len(e.ops))
	for name, st := range e.ops {
		states[name] = st
	}
	e.mu.RUnlock()

	out := make(map[string]OperationMetric, len(states))
	for name, st := range states {
		st.mu.Lock()
		out[name] = st.metric
		st.mu.Unlock()
	}
	return out
}

// HealthSummary classifies every observed operation by its success rate:
// healthy at 95% and above, degraded at 80% and above, unhealthy below.
func (e *Engine) HealthSummary() HealthSummary {
	e.mu.RLock()
	states := make(map[string]*operationState, len(e.ops))
	for name, st := range e.ops {
		states[name] = st
	}
	e.mu.RUnlock()

	summary := HealthSummary{
		Timestamp:  e.clock.Now(),
		Operations: make(map[string]OperationHealth, len(states)),
	}

	for name, st := range states {
		st.mu.Lock()
		rate := st.metric.successRate()
		health := OperationHealth{
			Status:      classifyHealth(rate),
			SuccessRate: rate,
			TotalCalls:  st.metric.TotalCalls,
		}
		if st.breaker != nil {
			health.CircuitState = convertGobreakerState(st.breaker.State()).String()
		}
		st.mu.Unlock()
		summary.Operations[name] = health
	}

	return summary
}

// AttemptHistory returns the recorded attempts for one operation name,
// oldest first, capped at the last 100.
func (e *Engine) AttemptHistory(operationName string) []AttemptRecord {
	e.mu.RLock()
	st := e.ops[operationName]
	e.mu.RUnlock()

	if st == nil {
		return nil
	}
	return st.history.snapshot()
}

// CircuitState reports the circuit breaker state for an operation. The
// second return is false when the operation has no fallback circuit yet.
func (e *Engine) CircuitState(operationName string) (CircuitBreakerState, bool) {
	e.mu.RLock()
	st := e.ops[operationName]
	e.mu.RUnlock()

	if st == nil {
		return StateClosed, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.breaker == nil {
		return StateClosed, false
	}
	return convertGobreakerState(st.breaker.State()), true
}

// Reset administratively discards all per-operation state for one operation
// name: circuit state, attempt history, and metrics. The next call recreates
// them from scratch.
func (e *Engine) Reset(operationName string) {
	e.mu.Lock()
	delete(e.ops, operationName)
	e.mu.Unlock()

	e.logger.Info("operation state reset", "operation", operationName)
}

// ResetAll discards the per-operation state of every observed operation.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	e.ops = make(map[string]*operationState)
	e.mu.Unlock()

	e.logger.Info("all operation state reset")
}

// operationState returns the state for an operation name, creating it on
// first use.
func (e *Engine) operationState(operationName string) *operationState {
	e.mu.RLock()
	st := e.ops[operationName]
	e.mu.RUnlock()
	if st != nil {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st = e.ops[operationName]; st != nil {
		return st
	}
	st = &operationState{history: newAttemptHistory()}
	e.ops[operationName] = st
	return st
}

// recordCall updates the operation metric under its lock and emits the
// optional OpenTelemetry instruments outside of it.
func (e *Engine) recordCall(ctx context.Context, st *operationState, operationName string, err error, elapsed time.Duration) {
	st.mu.Lock()
	st.metric.TotalCalls++
	if err == nil {
		st.metric.SuccessfulCalls++
	} else {
		st.metric.FailedCalls++
		st.metric.LastError = err.Error()
	}
	st.metric.TotalExecutionTime += elapsed
	st.metric.AvgExecutionTime = st.metric.TotalExecutionTime / time.Duration(st.metric.TotalCalls)
	st.mu.Unlock()

	e.instruments.record(ctx, operationName, err == nil, elapsed)
}

// breakerFor returns the operation's circuit breaker, building it from the
// fallback strategy's settings on first use. A strategy replacing another
// under the same selection name does not rebuild an existing breaker; reset
// the operation to pick up new circuit settings.
func (st *operationState) breakerFor(f *fallbackStrategy, operationName string) *gobreaker.CircuitBreaker[any] {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.breaker == nil {
		st.breaker = f.newBreaker(operationName)
		st.breakerStrategy = f.name
	} else if st.breakerStrategy != f.name {
		f.logger.Debug("operation circuit retains settings from earlier strategy",
			"operation", operationName,
			"built_from", st.breakerStrategy,
			"selected", f.name)
	}
	return st.breaker
}

// ExecuteResilient is the strongly-typed counterpart of
// Engine.ExecuteResilient. A fallback default value whose type does not
// match T yields an error rather than a silent zero value.
func ExecuteResilient[T any](ctx context.Context, e *Engine, operationName string, op func(ctx context.Context) (T, error), opts ...ExecuteOption) (T, error) {
	var zero T

	result, err := e.ExecuteResilient(ctx, operationName, Typed(op), opts...)
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("resilience: result type %T for operation %q does not match requested type", result, operationName)
	}
	return typed, nil
}

// Guarded wraps a strongly-typed operation the way Engine.Guard wraps an
// Operation.
func Guarded[T any](e *Engine, operationName string, op func(ctx context.Context) (T, error), opts ...ExecuteOption) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return ExecuteResilient(ctx, e, operationName, op, opts...)
	}
}
