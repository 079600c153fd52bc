package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conveyor/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be reported missing")
	}
	if resolved != path {
		t.Fatalf("unexpected resolved path: %s", resolved)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default retry cap 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Workflow.FailurePolicy != config.FailurePolicyPartial {
		t.Fatalf("expected partial failure policy, got %q", cfg.Workflow.FailurePolicy)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := strings.Join([]string{
		"[workflow]",
		`failure_policy = "fail_fast"`,
		"[review]",
		"confidence_threshold = 0.5",
		"[providers.endpoints]",
		`ocr = "http://127.0.0.1:9000"`,
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if cfg.Workflow.FailurePolicy != config.FailurePolicyFailFast {
		t.Fatalf("expected fail_fast, got %q", cfg.Workflow.FailurePolicy)
	}
	if cfg.Review.ConfidenceThreshold != 0.5 {
		t.Fatalf("expected threshold 0.5, got %v", cfg.Review.ConfidenceThreshold)
	}
	if cfg.Providers.Endpoints["ocr"] != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected endpoints: %#v", cfg.Providers.Endpoints)
	}
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Workflow.FailurePolicy = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid failure policy to be rejected")
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.Review.ConfidenceThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected out-of-range threshold to be rejected")
	}
}
