package testsupport

import (
	"path/filepath"
	"testing"

	"conveyor/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// Retry delays are shrunk so exhaustion paths run in milliseconds.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Retry.BaseDelayMS = 1
	cfg.Retry.MaxDelayMS = 5
	cfg.Review.ConfidenceThreshold = 0

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithReviewThreshold sets the confidence threshold on the test config.
func WithReviewThreshold(threshold float64) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Review.ConfidenceThreshold = threshold
	}
}

// WithFailurePolicy sets the job failure policy on the test config.
func WithFailurePolicy(policy string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.FailurePolicy = policy
	}
}

// WithMaxAttempts sets the retry attempt cap on the test config.
func WithMaxAttempts(attempts int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = attempts
	}
}
