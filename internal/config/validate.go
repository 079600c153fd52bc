package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateReview(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	if bind := strings.TrimSpace(c.Paths.APIBind); bind != "" {
		if _, _, err := net.SplitHostPort(bind); err != nil {
			return fmt.Errorf("paths.api_bind must be host:port: %w", err)
		}
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	switch c.Workflow.FailurePolicy {
	case FailurePolicyPartial, FailurePolicyFailFast:
	default:
		return fmt.Errorf("workflow.failure_policy must be %q or %q", FailurePolicyPartial, FailurePolicyFailFast)
	}
	if c.Workflow.PollInterval <= 0 {
		return errors.New("workflow.poll_interval must be positive")
	}
	if c.Workflow.WatchdogInterval <= 0 {
		return errors.New("workflow.watchdog_interval must be positive")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return errors.New("retry.max_delay_ms must not be less than retry.base_delay_ms")
	}
	return nil
}

func (c *Config) validateReview() error {
	if c.Review.ConfidenceThreshold < 0 || c.Review.ConfidenceThreshold > 1 {
		return errors.New("review.confidence_threshold must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}
