// Package engineconfig loads declarative retry and fallback policy files and
// applies them to a resilience engine. YAML and JSON are supported; file
// format is detected from the extension.
package engineconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	resilience "github.com/JohnPlummer/jp-go-resilience-engine"
)

// Format identifies a supported policy file format.
type Format string

const (
	// FormatYAML parses YAML policy files.
	FormatYAML Format = "yaml"

	// FormatJSON parses JSON policy files.
	FormatJSON Format = "json"
)

// ErrUnsupportedFormat is returned for files that are neither YAML nor JSON.
var ErrUnsupportedFormat = errors.New("engineconfig: unsupported format")

// ErrParseFailed is returned when a policy file cannot be parsed.
var ErrParseFailed = errors.New("engineconfig: parse failed")

// RetryPolicy is the declarative form of a retry policy.
type RetryPolicy struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Strategy    string        `koanf:"strategy"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	Jitter      *bool         `koanf:"jitter"`
}

// FallbackStrategy is the declarative form of a fallback strategy.
// Alternative functions cannot be declared in a file; provide them to Apply
// with WithAlternativeFunction.
type FallbackStrategy struct {
	Strategy                string        `koanf:"strategy"`
	DefaultValue            any           `koanf:"default_value"`
	CacheDuration           time.Duration `koanf:"cache_duration"`
	CacheSize               int           `koanf:"cache_size"`
	CircuitBreakerThreshold uint32        `koanf:"circuit_breaker_threshold"`
	Cooldown                time.Duration `koanf:"cooldown"`
}

// File is a parsed policy file.
type File struct {
	RetryPolicies      map[string]RetryPolicy      `koanf:"retry_policies"`
	FallbackStrategies map[string]FallbackStrategy `koanf:"fallback_strategies"`
}

// Load reads and parses a policy file, detecting the format from the
// extension (.yaml/.yml or .json).
func Load(path string) (*File, error) {
	format, err := detectFormat(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engineconfig: read %s: %w", path, err)
	}

	return Parse(data, format)
}

// Parse parses policy data in the given format.
func Parse(data []byte, format Format) (*File, error) {
	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}

	var file File
	if err := k.UnmarshalWithConf("", &file, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}

	return &file, nil
}

// ApplyOption customizes how a parsed file is applied to an engine.
type ApplyOption func(*applyOptions)

type applyOptions struct {
	alternatives map[string]resilience.Operation
}

// WithAlternativeFunction supplies the substitute operation for a declared
// alternative-function fallback strategy.
func WithAlternativeFunction(strategyName string, fn resilience.Operation) ApplyOption {
	return func(o *applyOptions) {
		if o.alternatives == nil {
			o.alternatives = make(map[string]resilience.Operation)
		}
		o.alternatives[strategyName] = fn
	}
}

// Apply registers every declared retry policy and fallback strategy on the
// engine. It fails on unknown strategy names and on alternative-function
// strategies with no function supplied.
func (f *File) Apply(engine *resilience.Engine, opts ...ApplyOption) error {
	var options applyOptions
	for _, opt := range opts {
		opt(&options)
	}

	for name, policy := range f.RetryPolicies {
		retryOpts, err := policy.options()
		if err != nil {
			return fmt.Errorf("engineconfig: retry policy %q: %w", name, err)
		}
		engine.RegisterRetryPolicy(name, retryOpts...)
	}

	for name, strategy := range f.FallbackStrategies {
		kind, fallbackOpts, err := strategy.options(name, options.alternatives)
		if err != nil {
			return fmt.Errorf("engineconfig: fallback strategy %q: %w", name, err)
		}
		engine.RegisterFallbackStrategy(name, kind, fallbackOpts...)
	}

	return nil
}

func (p RetryPolicy) options() ([]resilience.RetryOption, error) {
	strategy, err := retryStrategy(p.Strategy)
	if err != nil {
		return nil, err
	}

	var opts []resilience.RetryOption
	switch strategy {
	case resilience.RetryStrategyLinear:
		opts = append(opts, resilience.WithLinearBackoff(p.BaseDelay, p.MaxDelay))
	case resilience.RetryStrategyFibonacci:
		opts = append(opts, resilience.WithFibonacciBackoff(p.BaseDelay, p.MaxDelay))
	case resilience.RetryStrategyRandom:
		opts = append(opts, resilience.WithRandomBackoff(p.BaseDelay, p.MaxDelay))
	case resilience.RetryStrategyConstant:
		opts = append(opts, resilience.WithConstantBackoff(p.BaseDelay))
	default:
		opts = append(opts, resilience.WithExponentialBackoff(p.BaseDelay, p.MaxDelay))
	}

	if p.MaxAttempts > 0 {
		opts = append(opts, resilience.WithMaxAttempts(p.MaxAttempts))
	}
	if p.Multiplier > 0 {
		opts = append(opts, resilience.WithMultiplier(p.Multiplier))
	}
	if p.Jitter != nil {
		opts = append(opts, resilience.WithJitter(*p.Jitter))
	}

	return opts, nil
}

func (s FallbackStrategy) options(name string, alternatives map[string]resilience.Operation) (resilience.FallbackStrategyKind, []resilience.FallbackOption, error) {
	kind, err := fallbackKind(s.Strategy)
	if err != nil {
		return "", nil, err
	}

	var opts []resilience.FallbackOption
	if s.DefaultValue != nil {
		opts = append(opts, resilience.WithDefaultValue(s.DefaultValue))
	}
	if s.CacheDuration > 0 {
		opts = append(opts, resilience.WithCacheDuration(s.CacheDuration))
	}
	if s.CacheSize > 0 {
		opts = append(opts, resilience.WithCacheSize(s.CacheSize))
	}
	if s.CircuitBreakerThreshold > 0 {
		opts = append(opts, resilience.WithCircuitBreakerThreshold(s.CircuitBreakerThreshold))
	}
	if s.Cooldown > 0 {
		opts = append(opts, resilience.WithCooldown(s.Cooldown))
	}

	if kind == resilience.FallbackAlternativeFunction {
		fn, ok := alternatives[name]
		if !ok {
			return "", nil, errors.New("no alternative function supplied")
		}
		opts = append(opts, resilience.WithAlternativeFunction(fn))
	}

	return kind, opts, nil
}

func retryStrategy(s string) (resilience.RetryStrategy, error) {
	switch strings.ToLower(s) {
	case "", "exponential":
		return resilience.RetryStrategyExponential, nil
	case "linear":
		return resilience.RetryStrategyLinear, nil
	case "fibonacci":
		return resilience.RetryStrategyFibonacci, nil
	case "random":
		return resilience.RetryStrategyRandom, nil
	case "constant":
		return resilience.RetryStrategyConstant, nil
	default:
		return "", fmt.Errorf("unknown retry strategy %q", s)
	}
}

func fallbackKind(s string) (resilience.FallbackStrategyKind, error) {
	switch strings.ToLower(s) {
	case "", "default_value":
		return resilience.FallbackDefaultValue, nil
	case "alternative_function":
		return resilience.FallbackAlternativeFunction, nil
	case "cache":
		return resilience.FallbackCache, nil
	case "circuit_breaker":
		return resilience.FallbackCircuitBreaker, nil
	default:
		return "", fmt.Errorf("unknown fallback strategy %q", s)
	}
}

// detectFormat maps a file extension onto a Format.
func detectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown extension %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}
