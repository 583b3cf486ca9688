package resilience

import (
	"math"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
)

// Delay computes the backoff delay before the retry following the given
// attempt (1-based). It is pure apart from the randomness used by the random
// strategy and jitter, and is safe to call concurrently.
//
// The result is always within [0, config.MaxDelay].
func Delay(attempt int, config *RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(config.BaseDelay)
	var delay float64

	switch config.Strategy {
	case RetryStrategyLinear:
		delay = base * float64(attempt)
	case RetryStrategyFibonacci:
		delay = base * fibonacci(attempt)
	case RetryStrategyRandom:
		// uniform(0.5, 2.0) scaling grows with the attempt number
		delay = base * (0.5 + rand.Float64()*1.5) * float64(attempt)
	case RetryStrategyConstant:
		delay = base
	case RetryStrategyExponential:
		delay = base * math.Pow(config.multiplier(), float64(attempt-1))
	default:
		delay = base * math.Pow(config.multiplier(), float64(attempt-1))
	}

	if config.Jitter {
		// uniform(0.5, 1.0) multiplier to avoid synchronized retry storms
		delay *= 0.5 + rand.Float64()*0.5
	}

	if delay < 0 {
		return 0
	}
	if maxDelay := float64(config.MaxDelay); delay > maxDelay {
		return config.MaxDelay
	}
	return time.Duration(delay)
}

// fibonacci returns the nth fibonacci number (1, 1, 2, 3, 5, ...) computed
// iteratively in O(n). A naive recursive version is O(2^n) and stalls the
// retry loop for large attempt numbers.
func fibonacci(n int) float64 {
	a, b := 1.0, 1.0
	for i := 1; i < n; i++ {
		a, b = b, a+b
		if math.IsInf(b, 1) {
			return math.MaxFloat64
		}
	}
	return a
}

// backoff adapts the delay calculator to the go-retry backoff contract.
// Each call to Execute needs a fresh instance because the closure tracks the
// attempt number.
// Note: retry.Do() counts the initial attempt, so MaxAttempts-1 is passed to
// WithMaxRetries.
func (c *RetryConfig) backoff() retry.Backoff {
	maxAttempts := c.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if maxAttempts > 1000 { // cap to keep the uint64 conversion in bounds
		maxAttempts = 1000
	}

	attempt := 0
	return retry.WithMaxRetries(
		uint64(maxAttempts-1), // #nosec G115 - bounds checked above
		retry.BackoffFunc(func() (time.Duration, bool) {
			attempt++
			return Delay(attempt, c), false
		}),
	)
}

// multiplier returns the configured exponential base, defaulting to 2.0.
func (c *RetryConfig) multiplier() float64 {
	if c.Multiplier <= 0 {
		return 2.0
	}
	return c.Multiplier
}
