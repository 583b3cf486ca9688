package resilience

import (
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel/metric"
)

// RetryStrategy defines the backoff strategy for retry operations.
type RetryStrategy string

const (
	// RetryStrategyExponential grows the delay by Multiplier per attempt.
	RetryStrategyExponential RetryStrategy = "exponential"

	// RetryStrategyLinear grows the delay proportionally to the attempt number.
	RetryStrategyLinear RetryStrategy = "linear"

	// RetryStrategyFibonacci follows the fibonacci sequence scaled by BaseDelay.
	RetryStrategyFibonacci RetryStrategy = "fibonacci"

	// RetryStrategyRandom scales the delay by a uniform(0.5, 2.0) factor per attempt.
	RetryStrategyRandom RetryStrategy = "random"

	// RetryStrategyConstant uses the same delay between all retries.
	RetryStrategyConstant RetryStrategy = "constant"
)

// RetryConfig holds retry policy configuration. A config is created once at
// registration time and is immutable thereafter.
type RetryConfig struct {
	// ErrorClassifier determines which errors should trigger retries.
	// Default: HTTPStatusClassifier with standard retryable codes
	ErrorClassifier ErrorClassifier

	// Logger for retry operations.
	// Default: the engine logger
	Logger *slog.Logger

	// Strategy defines the backoff strategy.
	// Default: RetryStrategyExponential
	Strategy RetryStrategy

	// BaseDelay is the delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier is the growth factor for the exponential strategy.
	// Default: 2.0 (doubling)
	Multiplier float64

	// Jitter scales each delay by a uniform(0.5, 1.0) factor to prevent
	// thundering herd problems.
	// Default: true
	Jitter bool

	// MaxAttempts is the maximum number of attempts (including the initial one).
	// Default: 3
	MaxAttempts int
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		Strategy:        RetryStrategyExponential,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		ErrorClassifier: DefaultErrorClassifier(),
	}
}

// RetryOption is a functional option for configuring a retry policy.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts, including the initial one.
//
// Example:
//
//	resilience.WithMaxAttempts(5) // Try up to 5 times total
func WithMaxAttempts(attempts int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxAttempts = attempts
	}
}

// WithExponentialBackoff configures exponential backoff.
// Each retry delay is multiplied by the configured multiplier (default 2.0) up to maxDelay.
//
// Example:
//
//	resilience.WithExponentialBackoff(time.Second, 30*time.Second)
//	// With default multiplier 2.0: 1s, 2s, 4s, 8s, 16s, 30s (capped)
func WithExponentialBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.BaseDelay = baseDelay
		c.MaxDelay = maxDelay
	}
}

// WithLinearBackoff configures delays growing proportionally to the attempt number.
//
// Example:
//
//	resilience.WithLinearBackoff(time.Second, 10*time.Second)
//	// Delays: 1s, 2s, 3s, 4s, ...
func WithLinearBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyLinear
		c.BaseDelay = baseDelay
		c.MaxDelay = maxDelay
	}
}

// WithFibonacciBackoff configures fibonacci backoff.
// Delays follow the fibonacci sequence up to maxDelay.
//
// Example:
//
//	resilience.WithFibonacciBackoff(time.Second, 30*time.Second)
//	// Delays: 1s, 1s, 2s, 3s, 5s, 8s, 13s, 21s, 30s (capped)
func WithFibonacciBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyFibonacci
		c.BaseDelay = baseDelay
		c.MaxDelay = maxDelay
	}
}

// WithRandomBackoff configures randomized delays of baseDelay scaled by a
// uniform(0.5, 2.0) factor growing with the attempt number.
func WithRandomBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyRandom
		c.BaseDelay = baseDelay
		c.MaxDelay = maxDelay
	}
}

// WithConstantBackoff configures a constant delay between retries.
//
// Example:
//
//	resilience.WithConstantBackoff(2 * time.Second)
//	// Delays: 2s, 2s, 2s, 2s
func WithConstantBackoff(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyConstant
		c.BaseDelay = delay
		c.MaxDelay = delay
	}
}

// WithMultiplier sets the growth factor for the exponential strategy.
//
// Example:
//
//	resilience.WithMultiplier(1.5) // 50% growth per retry
func WithMultiplier(multiplier float64) RetryOption {
	return func(c *RetryConfig) {
		c.Multiplier = multiplier
	}
}

// WithJitter enables or disables the uniform(0.5, 1.0) jitter multiplier
// applied to every delay.
func WithJitter(enabled bool) RetryOption {
	return func(c *RetryConfig) {
		c.Jitter = enabled
	}
}

// WithErrorClassifier sets a custom error classifier for retry decisions.
//
// Example:
//
//	resilience.WithErrorClassifier(resilience.ErrorClassifierFunc(func(err error) bool {
//	    return errors.Is(err, io.ErrUnexpectedEOF)
//	}))
func WithErrorClassifier(classifier ErrorClassifier) RetryOption {
	return func(c *RetryConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithRetryLogger sets a custom logger for one retry policy.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// FallbackStrategyKind selects how a fallback resolves a substitute result.
type FallbackStrategyKind string

const (
	// FallbackDefaultValue resolves to a configured static value.
	FallbackDefaultValue FallbackStrategyKind = "default_value"

	// FallbackAlternativeFunction invokes a substitute operation, falling
	// through to the default value if the substitute also fails.
	FallbackAlternativeFunction FallbackStrategyKind = "alternative_function"

	// FallbackCache resolves to the last successful result while it is
	// fresh, falling through to the default value afterwards.
	FallbackCache FallbackStrategyKind = "cache"

	// FallbackCircuitBreaker gates the operation without substituting a
	// result beyond the default value.
	FallbackCircuitBreaker FallbackStrategyKind = "circuit_breaker"
)

// defaultCooldown is how long a tripped circuit stays open before permitting
// a half-open trial call.
const defaultCooldown = 5 * time.Minute

// defaultCircuitThreshold trips the circuit after this many consecutive failures.
const defaultCircuitThreshold = 5

// defaultCacheSize bounds how many operation names one cache fallback retains
// entries for.
const defaultCacheSize = 1024

// FallbackConfig holds fallback strategy configuration. A config is created
// once at registration time and is immutable thereafter.
type FallbackConfig struct {
	// Strategy selects the resolution behavior.
	Strategy FallbackStrategyKind

	// DefaultValue is returned when no richer resolution applies.
	DefaultValue any

	// AlternativeFunction is the substitute operation for
	// FallbackAlternativeFunction.
	AlternativeFunction Operation

	// CacheDuration is how long a cached last-good result stays readable.
	// Default: 5 minutes
	CacheDuration time.Duration

	// CacheSize bounds the number of operation names with retained cache
	// entries. Default: 1024
	CacheSize int

	// CircuitBreakerThreshold is the consecutive-failure count that trips
	// the circuit. Default: 5
	CircuitBreakerThreshold uint32

	// Cooldown is the open-state period before a half-open trial is
	// permitted. Default: 5 minutes
	Cooldown time.Duration

	// OnStateChange is called whenever a circuit for any operation guarded
	// by this strategy changes state.
	OnStateChange func(operationName string, from, to CircuitBreakerState)

	// Logger for fallback operations.
	// Default: the engine logger
	Logger *slog.Logger
}

// DefaultFallbackConfig returns fallback configuration with sensible defaults.
func DefaultFallbackConfig() *FallbackConfig {
	return &FallbackConfig{
		Strategy:                FallbackDefaultValue,
		CacheDuration:           5 * time.Minute,
		CacheSize:               defaultCacheSize,
		CircuitBreakerThreshold: defaultCircuitThreshold,
		Cooldown:                defaultCooldown,
	}
}

// FallbackOption is a functional option for configuring a fallback strategy.
type FallbackOption func(*FallbackConfig)

// WithDefaultValue sets the static substitute result.
func WithDefaultValue(value any) FallbackOption {
	return func(c *FallbackConfig) {
		c.DefaultValue = value
	}
}

// WithAlternativeFunction sets the substitute operation invoked by the
// alternative-function strategy.
func WithAlternativeFunction(fn Operation) FallbackOption {
	return func(c *FallbackConfig) {
		c.AlternativeFunction = fn
	}
}

// WithCacheDuration sets how long cached last-good results stay readable.
func WithCacheDuration(d time.Duration) FallbackOption {
	return func(c *FallbackConfig) {
		c.CacheDuration = d
	}
}

// WithCacheSize bounds the number of operation names the cache retains
// entries for.
func WithCacheSize(n int) FallbackOption {
	return func(c *FallbackConfig) {
		if n > 0 {
			c.CacheSize = n
		}
	}
}

// WithCircuitBreakerThreshold sets the consecutive-failure count that trips
// the circuit.
func WithCircuitBreakerThreshold(n uint32) FallbackOption {
	return func(c *FallbackConfig) {
		if n > 0 {
			c.CircuitBreakerThreshold = n
		}
	}
}

// WithCooldown sets the open-state period before a half-open trial call.
// The default of 5 minutes suits production traffic; tests shorten it.
func WithCooldown(d time.Duration) FallbackOption {
	return func(c *FallbackConfig) {
		if d > 0 {
			c.Cooldown = d
		}
	}
}

// WithStateChangeHandler sets a callback for circuit state changes.
//
// Example:
//
//	resilience.WithStateChangeHandler(func(op string, from, to resilience.CircuitBreakerState) {
//	    log.Printf("circuit for %s changed from %s to %s", op, from, to)
//	})
func WithStateChangeHandler(fn func(operationName string, from, to CircuitBreakerState)) FallbackOption {
	return func(c *FallbackConfig) {
		c.OnStateChange = fn
	}
}

// WithFallbackLogger sets a custom logger for one fallback strategy.
func WithFallbackLogger(logger *slog.Logger) FallbackOption {
	return func(c *FallbackConfig) {
		c.Logger = logger
	}
}

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and operations run normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing whether the operation has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and operations are not invoked.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// EngineOption is a functional option for configuring an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine-wide logger used by policies and strategies that
// do not carry their own.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the clock used for timestamps and execution-time
// measurement. Tests inject a quartz mock.
func WithClock(clock quartz.Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithMeterProvider enables OpenTelemetry instrumentation of guarded calls.
func WithMeterProvider(provider metric.MeterProvider) EngineOption {
	return func(e *Engine) {
		e.meterProvider = provider
	}
}

// ExecuteOption selects registered policies for a single execution or guard.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	retryPolicy      string
	fallbackStrategy string
}

// WithRetryPolicy routes the execution through the named registered retry policy.
func WithRetryPolicy(name string) ExecuteOption {
	return func(o *executeOptions) {
		o.retryPolicy = name
	}
}

// WithFallbackStrategy guards the execution with the named registered
// fallback strategy and its circuit breaker.
func WithFallbackStrategy(name string) ExecuteOption {
	return func(o *executeOptions) {
		o.fallbackStrategy = name
	}
}
