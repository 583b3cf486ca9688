package resilience

import (
	"context"
	"log/slog"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker/v2"
)

// fallbackStrategy resolves substitute results for failing operations and
// owns the settings of the circuit breakers guarding them. One strategy is
// shared across operations; circuit state is kept per operation name by the
// engine.
type fallbackStrategy struct {
	name   string
	config *FallbackConfig
	logger *slog.Logger

	// cache holds the last successful result per operation name. Entries
	// expire after CacheDuration and are evicted lazily on lookup. Nil for
	// strategies other than FallbackCache.
	cache *expirable.LRU[string, any]
}

func newFallbackStrategy(name string, config *FallbackConfig, logger *slog.Logger) *fallbackStrategy {
	if config.Logger != nil {
		logger = config.Logger
	}

	f := &fallbackStrategy{
		name:   name,
		config: config,
		logger: logger,
	}

	if config.Strategy == FallbackCache {
		size := config.CacheSize
		if size <= 0 {
			size = defaultCacheSize
		}
		f.cache = expirable.NewLRU[string, any](size, nil, config.CacheDuration)
	}

	return f
}

// newBreaker builds the circuit breaker for one operation name guarded by
// this strategy. The breaker trips after CircuitBreakerThreshold consecutive
// failures, stays open for Cooldown, and then permits exactly one half-open
// trial call. A successful trial closes the circuit; a failed trial reopens
// it and restarts the cooldown clock.
//
// Under concurrent access the trial admitted by the breaker's internal lock
// governs the state transition; surplus half-open calls are rejected with
// ErrTooManyRequests and resolve through the fallback instead.
func (f *fallbackStrategy) newBreaker(operationName string) *gobreaker.CircuitBreaker[any] {
	threshold := f.config.CircuitBreakerThreshold
	if threshold == 0 {
		threshold = defaultCircuitThreshold
	}
	cooldown := f.config.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	settings := gobreaker.Settings{
		Name:        operationName,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("circuit breaker state changed",
				"operation", name,
				"strategy", f.name,
				"from", from.String(),
				"to", to.String())

			if f.config.OnStateChange != nil {
				f.config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
	}

	return gobreaker.NewCircuitBreaker[any](settings)
}

// cacheResult stores a successful result for later cache resolution. A no-op
// for strategies other than FallbackCache.
func (f *fallbackStrategy) cacheResult(operationName string, value any) {
	if f.cache == nil {
		return
	}
	f.cache.Add(operationName, value)
}

// resolve produces the substitute result after the operation was rejected by
// the circuit or failed with no retry remaining. cause is the error that
// routed the call here and attempts is how many times the operation actually
// ran during this call.
//
// Resolution order:
//  1. alternative-function strategies invoke the substitute operation
//  2. cache strategies return the unexpired last-good result
//  3. anything unresolved falls through to the default value
//
// A nil default resolves only for the plain default-value strategy; the
// other strategies re-raise the original error as a FallbackExhaustedError
// when every path above came up empty.
func (f *fallbackStrategy) resolve(ctx context.Context, operationName string, cause error, attempts int) (any, error) {
	switch f.config.Strategy {
	case FallbackAlternativeFunction:
		if f.config.AlternativeFunction != nil {
			result, err := f.config.AlternativeFunction(ctx)
			if err == nil {
				f.logger.Debug("alternative function resolved fallback",
					"operation", operationName,
					"strategy", f.name)
				return result, nil
			}
			f.logger.Warn("alternative function failed, falling through to default value",
				"operation", operationName,
				"strategy", f.name,
				"error", err)
		}

	case FallbackCache:
		if f.cache != nil {
			if value, ok := f.cache.Get(operationName); ok {
				f.logger.Debug("cache resolved fallback",
					"operation", operationName,
					"strategy", f.name)
				return value, nil
			}
		}
		f.logger.Debug("no fresh cache entry, falling through to default value",
			"operation", operationName,
			"strategy", f.name)
	}

	if f.config.DefaultValue != nil || f.config.Strategy == FallbackDefaultValue {
		return f.config.DefaultValue, nil
	}

	return nil, &FallbackExhaustedError{
		Operation: operationName,
		Attempts:  attempts,
		Err:       cause,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
