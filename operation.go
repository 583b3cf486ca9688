// Package resilience provides an engine that protects arbitrary operations
// against transient failures using retry backoff, circuit breaking, and
// fallback substitution, while aggregating per-operation health metrics.
// It integrates with jp-go-errors for standardized error handling.
package resilience

import (
	"context"
)

// Operation is a unit of work guarded by the engine. Call arguments are
// captured in the closure; the context should be used to control timeouts
// and cancellation. The engine never interrupts an in-flight operation, so
// time-bounding the work is the caller's responsibility.
//
// Example:
//
//	op := func(ctx context.Context) (any, error) {
//	    return fetchUser(ctx, userID)
//	}
//	result, err := engine.ExecuteResilient(ctx, "fetch-user", op,
//	    resilience.WithRetryPolicy("db-retry"),
//	    resilience.WithFallbackStrategy("db-fallback"),
//	)
type Operation func(ctx context.Context) (any, error)

// Typed adapts a strongly-typed function to an Operation.
//
// Example:
//
//	op := resilience.Typed(func(ctx context.Context) (*User, error) {
//	    return loadUser(ctx, id)
//	})
func Typed[T any](fn func(ctx context.Context) (T, error)) Operation {
	return func(ctx context.Context) (any, error) {
		return fn(ctx)
	}
}
