package resilience_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/JohnPlummer/jp-go-resilience-engine"
)

// countingOperation returns an Operation that fails with err until the given
// number of calls succeed, counting invocations.
type countingOperation struct {
	calls     atomic.Int32
	failUntil int32
	err       error
	result    any
}

func (c *countingOperation) op(ctx context.Context) (any, error) {
	n := c.calls.Add(1)
	if n <= c.failUntil {
		return nil, c.err
	}
	return c.result, nil
}

func (c *countingOperation) callCount() int {
	return int(c.calls.Load())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // Quiet during tests
	}))
}

var _ = Describe("Retry policies", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		engine *resilience.Engine
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		engine = resilience.New(resilience.WithLogger(quietLogger()))
	})

	AfterEach(func() {
		cancel()
	})

	Describe("ExecuteResilient with a retry policy", func() {
		It("returns the result on first-attempt success", func() {
			engine.RegisterRetryPolicy("default",
				resilience.WithMaxAttempts(3),
				resilience.WithConstantBackoff(10*time.Millisecond),
			)
			op := &countingOperation{result: "success"}

			result, err := engine.ExecuteResilient(ctx, "first-try", op.op,
				resilience.WithRetryPolicy("default"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("success"))
			Expect(op.callCount()).To(Equal(1))
		})

		It("retries retryable errors until success", func() {
			engine.RegisterRetryPolicy("default",
				resilience.WithMaxAttempts(5),
				resilience.WithConstantBackoff(10*time.Millisecond),
			)
			op := &countingOperation{
				failUntil: 2,
				err:       resilience.NewStatusCodeError(503, errors.New("service unavailable")),
				result:    "success",
			}

			result, err := engine.ExecuteResilient(ctx, "transient", op.op,
				resilience.WithRetryPolicy("default"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("success"))
			Expect(op.callCount()).To(Equal(3))
		})

		It("re-raises the original error after exhausting attempts", func() {
			engine.RegisterRetryPolicy("default",
				resilience.WithMaxAttempts(3),
				resilience.WithConstantBackoff(10*time.Millisecond),
			)
			opErr := resilience.NewStatusCodeError(503, errors.New("service unavailable"))
			op := &countingOperation{failUntil: 100, err: opErr}

			result, err := engine.ExecuteResilient(ctx, "persistent", op.op,
				resilience.WithRetryPolicy("default"))
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, opErr)).To(BeTrue())
			Expect(result).To(BeNil())
			Expect(op.callCount()).To(Equal(3))
		})

		It("does not retry non-retryable errors", func() {
			engine.RegisterRetryPolicy("default",
				resilience.WithMaxAttempts(5),
				resilience.WithConstantBackoff(10*time.Millisecond),
			)
			opErr := resilience.NewStatusCodeError(400, errors.New("bad request"))
			op := &countingOperation{failUntil: 100, err: opErr}

			_, err := engine.ExecuteResilient(ctx, "rejected", op.op,
				resilience.WithRetryPolicy("default"))
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, opErr)).To(BeTrue())
			Expect(op.callCount()).To(Equal(1))
		})

		It("honors a custom classifier", func() {
			sentinel := errors.New("try again")
			engine.RegisterRetryPolicy("custom",
				resilience.WithMaxAttempts(4),
				resilience.WithConstantBackoff(5*time.Millisecond),
				resilience.WithErrorClassifier(resilience.ErrorClassifierFunc(func(err error) bool {
					return errors.Is(err, sentinel)
				})),
			)
			op := &countingOperation{failUntil: 100, err: sentinel}

			_, err := engine.ExecuteResilient(ctx, "classified", op.op,
				resilience.WithRetryPolicy("custom"))
			Expect(err).To(MatchError(sentinel))
			Expect(op.callCount()).To(Equal(4))
		})

		It("stops retrying once the context is canceled", func() {
			engine.RegisterRetryPolicy("slow",
				resilience.WithMaxAttempts(10),
				resilience.WithConstantBackoff(200*time.Millisecond),
			)
			op := &countingOperation{
				failUntil: 100,
				err:       resilience.NewStatusCodeError(503, errors.New("unavailable")),
			}

			shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer shortCancel()

			_, err := engine.ExecuteResilient(shortCtx, "canceled", op.op,
				resilience.WithRetryPolicy("slow"))
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(op.callCount()).To(BeNumerically("<", 10))
		})

		It("fails fast when the context is already done", func() {
			engine.RegisterRetryPolicy("default",
				resilience.WithMaxAttempts(3),
				resilience.WithConstantBackoff(time.Millisecond),
			)
			op := &countingOperation{result: "unused"}

			doneCtx, doneCancel := context.WithCancel(ctx)
			doneCancel()

			_, err := engine.ExecuteResilient(doneCtx, "pre-canceled", op.op,
				resilience.WithRetryPolicy("default"))
			Expect(err).To(MatchError(context.Canceled))
			Expect(op.callCount()).To(Equal(0))
		})
	})

	Describe("attempt history", func() {
		It("records one failure per attempt before the final raise", func() {
			engine.RegisterRetryPolicy("default",
				resilience.WithMaxAttempts(3),
				resilience.WithConstantBackoff(5*time.Millisecond),
			)
			op := &countingOperation{
				failUntil: 100,
				err:       resilience.NewStatusCodeError(503, errors.New("unavailable")),
			}

			_, err := engine.ExecuteResilient(ctx, "history-failures", op.op,
				resilience.WithRetryPolicy("default"))
			Expect(err).To(HaveOccurred())

			history := engine.AttemptHistory("history-failures")
			Expect(history).To(HaveLen(3))
			for i, record := range history {
				Expect(record.Attempt).To(Equal(i + 1))
				Expect(record.Success).To(BeFalse())
				Expect(record.Error).To(ContainSubstring("unavailable"))
				Expect(record.Timestamp).NotTo(BeZero())
			}
		})

		It("marks the final successful attempt", func() {
			engine.RegisterRetryPolicy("default",
				resilience.WithMaxAttempts(5),
				resilience.WithConstantBackoff(5*time.Millisecond),
			)
			op := &countingOperation{
				failUntil: 1,
				err:       resilience.NewStatusCodeError(503, errors.New("unavailable")),
				result:    "ok",
			}

			_, err := engine.ExecuteResilient(ctx, "history-mixed", op.op,
				resilience.WithRetryPolicy("default"))
			Expect(err).NotTo(HaveOccurred())

			history := engine.AttemptHistory("history-mixed")
			Expect(history).To(HaveLen(2))
			Expect(history[0].Success).To(BeFalse())
			Expect(history[1].Success).To(BeTrue())
			Expect(history[1].Attempt).To(Equal(2))
		})

		It("caps the history at the last 100 records", func() {
			engine.RegisterRetryPolicy("single",
				resilience.WithMaxAttempts(1),
			)
			op := &countingOperation{result: "ok"}

			for i := 0; i < 150; i++ {
				_, err := engine.ExecuteResilient(ctx, "history-cap", op.op,
					resilience.WithRetryPolicy("single"))
				Expect(err).NotTo(HaveOccurred())
			}

			history := engine.AttemptHistory("history-cap")
			Expect(history).To(HaveLen(100))
		})
	})

	Describe("unknown policy names", func() {
		It("returns an error without invoking the operation", func() {
			op := &countingOperation{result: "unused"}

			_, err := engine.ExecuteResilient(ctx, "missing-policy", op.op,
				resilience.WithRetryPolicy("nope"))
			Expect(err).To(MatchError(resilience.ErrUnknownRetryPolicy))
			Expect(op.callCount()).To(Equal(0))
		})
	})

	Describe("policy registration", func() {
		It("replaces an existing policy under the same name", func() {
			engine.RegisterRetryPolicy("shared", resilience.WithMaxAttempts(2),
				resilience.WithConstantBackoff(time.Millisecond))
			engine.RegisterRetryPolicy("shared", resilience.WithMaxAttempts(4),
				resilience.WithConstantBackoff(time.Millisecond))

			op := &countingOperation{
				failUntil: 100,
				err:       resilience.NewStatusCodeError(503, errors.New("unavailable")),
			}

			_, err := engine.ExecuteResilient(ctx, "upsert", op.op,
				resilience.WithRetryPolicy("shared"))
			Expect(err).To(HaveOccurred())
			Expect(op.callCount()).To(Equal(4))
		})
	})
})
