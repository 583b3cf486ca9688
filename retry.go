package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/coder/quartz"
	"github.com/sethvargo/go-retry"
)

// retryPolicy executes operations with configurable retry logic. Instances
// are created at registration time and shared across operations; per-call
// state lives in the execution closure and the per-operation history.
type retryPolicy struct {
	config     *RetryConfig
	classifier ErrorClassifier
	logger     *slog.Logger
	clock      quartz.Clock
}

func newRetryPolicy(config *RetryConfig, logger *slog.Logger, clock quartz.Clock) *retryPolicy {
	if config.Logger != nil {
		logger = config.Logger
	}

	classifier := config.ErrorClassifier
	if classifier == nil {
		classifier = DefaultErrorClassifier()
	}

	return &retryPolicy{
		config:     config,
		classifier: classifier,
		logger:     logger,
		clock:      clock,
	}
}

// execute runs op up to MaxAttempts times, recording every attempt in the
// operation's history. Waiting between attempts is context-aware, so the
// same path serves blocking and cooperative callers. The attempts pointer is
// updated as attempts are made so callers see the count even on failure.
//
// On exhaustion or a non-retryable error, the original operation error is
// returned unchanged.
func (p *retryPolicy) execute(ctx context.Context, op Operation, history *attemptHistory, attempts *int) (any, error) {
	if p.config.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}

	// Bail out before the first attempt if the caller already gave up.
	if err := ctx.Err(); err != nil {
		p.logger.Warn("context already done before operation (expected condition)",
			"error", err)
		return nil, err
	}

	var result any
	var lastErr error

	err := retry.Do(ctx, p.config.backoff(), func(ctx context.Context) error {
		*attempts++

		start := p.clock.Now()
		res, err := op(ctx)
		elapsed := p.clock.Since(start)

		if err == nil {
			history.append(AttemptRecord{
				Attempt:       *attempts,
				Success:       true,
				ExecutionTime: elapsed,
				Timestamp:     start,
			})
			if *attempts > 1 {
				p.logger.Info("operation succeeded after retry",
					"attempts", *attempts)
			}
			result = res
			lastErr = nil
			return nil
		}

		history.append(AttemptRecord{
			Attempt:       *attempts,
			Success:       false,
			ExecutionTime: elapsed,
			Timestamp:     start,
			Error:         err.Error(),
		})
		lastErr = err

		if !p.classifier.IsRetryable(err) {
			p.logger.Debug("non-retryable error, giving up",
				"error", err,
				"attempts", *attempts)
			return err
		}

		p.logger.Debug("retrying operation after delay",
			"attempt", *attempts,
			"error", err)

		return retry.RetryableError(err)
	})
	if err != nil {
		p.logger.Warn("operation failed after retries",
			"attempts", *attempts,
			"error", err)

		// A context error during the backoff wait takes precedence unless
		// the operation itself failed the same way.
		if cerr := ctx.Err(); cerr != nil && !errors.Is(lastErr, cerr) {
			return nil, cerr
		}
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}

	return result, nil
}
