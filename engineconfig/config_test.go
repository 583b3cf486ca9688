package engineconfig_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/JohnPlummer/jp-go-resilience-engine"
	"github.com/JohnPlummer/jp-go-resilience-engine/engineconfig"
)

const policyYAML = `
retry_policies:
  api-retry:
    max_attempts: 4
    strategy: exponential
    base_delay: 100ms
    max_delay: 2s
    multiplier: 2.0
    jitter: false
  queue-retry:
    max_attempts: 2
    strategy: fibonacci
    base_delay: 50ms
    max_delay: 1s
fallback_strategies:
  api-fallback:
    strategy: default_value
    default_value: "N/A"
    circuit_breaker_threshold: 3
    cooldown: 100ms
  cache-fallback:
    strategy: cache
    cache_duration: 5m
    default_value: "stale"
`

const policyJSON = `{
  "retry_policies": {
    "api-retry": {
      "max_attempts": 3,
      "strategy": "linear",
      "base_delay": "10ms",
      "max_delay": "100ms"
    }
  }
}`

var _ = Describe("Policy files", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		engine *resilience.Engine
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		engine = resilience.New(resilience.WithLogger(logger))
	})

	AfterEach(func() {
		cancel()
	})

	Describe("Parse", func() {
		It("parses YAML policy declarations", func() {
			file, err := engineconfig.Parse([]byte(policyYAML), engineconfig.FormatYAML)
			Expect(err).NotTo(HaveOccurred())

			Expect(file.RetryPolicies).To(HaveLen(2))
			policy := file.RetryPolicies["api-retry"]
			Expect(policy.MaxAttempts).To(Equal(4))
			Expect(policy.Strategy).To(Equal("exponential"))
			Expect(policy.BaseDelay).To(Equal(100 * time.Millisecond))
			Expect(policy.MaxDelay).To(Equal(2 * time.Second))
			Expect(policy.Jitter).NotTo(BeNil())
			Expect(*policy.Jitter).To(BeFalse())

			Expect(file.FallbackStrategies).To(HaveLen(2))
			strategy := file.FallbackStrategies["api-fallback"]
			Expect(strategy.Strategy).To(Equal("default_value"))
			Expect(strategy.DefaultValue).To(Equal("N/A"))
			Expect(strategy.CircuitBreakerThreshold).To(Equal(uint32(3)))
		})

		It("parses JSON policy declarations", func() {
			file, err := engineconfig.Parse([]byte(policyJSON), engineconfig.FormatJSON)
			Expect(err).NotTo(HaveOccurred())

			policy := file.RetryPolicies["api-retry"]
			Expect(policy.Strategy).To(Equal("linear"))
			Expect(policy.BaseDelay).To(Equal(10 * time.Millisecond))
		})

		It("rejects unsupported formats", func() {
			_, err := engineconfig.Parse([]byte(policyYAML), engineconfig.Format("toml"))
			Expect(err).To(MatchError(engineconfig.ErrUnsupportedFormat))
		})

		It("rejects malformed data", func() {
			_, err := engineconfig.Parse([]byte("{not json"), engineconfig.FormatJSON)
			Expect(err).To(MatchError(engineconfig.ErrParseFailed))
		})
	})

	Describe("Load", func() {
		It("detects the format from the file extension", func() {
			path := filepath.Join(GinkgoT().TempDir(), "policies.yaml")
			Expect(os.WriteFile(path, []byte(policyYAML), 0o600)).To(Succeed())

			file, err := engineconfig.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(file.RetryPolicies).To(HaveKey("api-retry"))
		})

		It("rejects unknown extensions", func() {
			path := filepath.Join(GinkgoT().TempDir(), "policies.toml")
			Expect(os.WriteFile(path, []byte(policyYAML), 0o600)).To(Succeed())

			_, err := engineconfig.Load(path)
			Expect(err).To(MatchError(engineconfig.ErrUnsupportedFormat))
		})
	})

	Describe("Apply", func() {
		It("registers declared policies on the engine", func() {
			file, err := engineconfig.Parse([]byte(policyYAML), engineconfig.FormatYAML)
			Expect(err).NotTo(HaveOccurred())
			Expect(file.Apply(engine)).To(Succeed())

			calls := 0
			result, err := engine.ExecuteResilient(ctx, "declared",
				func(ctx context.Context) (any, error) {
					calls++
					return nil, errors.New("boom")
				},
				resilience.WithRetryPolicy("queue-retry"),
				resilience.WithFallbackStrategy("api-fallback"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("N/A"))
			Expect(calls).To(Equal(2), "queue-retry declares two attempts")
		})

		It("supplies alternative functions at apply time", func() {
			const declaration = `
fallback_strategies:
  replica:
    strategy: alternative_function
`
			file, err := engineconfig.Parse([]byte(declaration), engineconfig.FormatYAML)
			Expect(err).NotTo(HaveOccurred())

			err = file.Apply(engine, engineconfig.WithAlternativeFunction("replica",
				func(ctx context.Context) (any, error) {
					return "replica-data", nil
				}))
			Expect(err).NotTo(HaveOccurred())

			result, err := engine.ExecuteResilient(ctx, "alt-declared",
				func(ctx context.Context) (any, error) {
					return nil, errors.New("primary down")
				},
				resilience.WithFallbackStrategy("replica"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("replica-data"))
		})

		It("fails when an alternative-function strategy lacks a function", func() {
			const declaration = `
fallback_strategies:
  replica:
    strategy: alternative_function
`
			file, err := engineconfig.Parse([]byte(declaration), engineconfig.FormatYAML)
			Expect(err).NotTo(HaveOccurred())

			err = file.Apply(engine)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("no alternative function"))
		})

		It("fails on unknown strategy names", func() {
			const declaration = `
retry_policies:
  broken:
    strategy: quadratic
`
			file, err := engineconfig.Parse([]byte(declaration), engineconfig.FormatYAML)
			Expect(err).NotTo(HaveOccurred())

			err = file.Apply(engine)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("quadratic"))
		})
	})
})
