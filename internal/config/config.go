package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
	APIBind string `toml:"api_bind"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Workflow contains orchestrator timing and policy configuration.
type Workflow struct {
	PollInterval     int    `toml:"poll_interval"`     // seconds between poll-mode provider checks
	WatchdogInterval int    `toml:"watchdog_interval"` // seconds between expired-handle scans
	FailurePolicy    string `toml:"failure_policy"`    // "partial" or "fail_fast"
	JobTTLHours      int    `toml:"job_ttl_hours"`     // terminal jobs older than this are purged
}

// Retry contains the uniform backoff policy applied to asynchronous hand-offs.
type Retry struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
}

// Review contains human review gate configuration.
type Review struct {
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
}

// Providers contains per-capability endpoints and maximum wait durations.
type Providers struct {
	Endpoints             map[string]string `toml:"endpoints"` // capability -> base URL
	RequestTimeout        int               `toml:"request_timeout"`
	OCRTimeout            int               `toml:"ocr_timeout"`
	TranscriptionTimeout  int               `toml:"transcription_timeout"`
	ClassificationTimeout int               `toml:"classification_timeout"`
	VideoAnalysisTimeout  int               `toml:"video_analysis_timeout"`
	TranslationTimeout    int               `toml:"translation_timeout"`
	ArchiveTimeout        int               `toml:"archive_timeout"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Config is the root configuration for the conveyor daemon and CLI.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Logging       Logging       `toml:"logging"`
	Workflow      Workflow      `toml:"workflow"`
	Retry         Retry         `toml:"retry"`
	Review        Review        `toml:"review"`
	Providers     Providers     `toml:"providers"`
	Notifications Notifications `toml:"notifications"`
}

// FailurePolicyPartial allows a job to complete while individual transactions fail.
const FailurePolicyPartial = "partial"

// FailurePolicyFailFast fails the whole job on the first permanent transaction failure.
const FailurePolicyFailFast = "fail_fast"

// DefaultConfigPath returns the canonical user config location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/conveyor/config.toml")
}

// SampleConfig returns the embedded sample configuration document.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes the sample configuration document to path.
func CreateSample(path string) error {
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// ExpandPath resolves ~ and relative segments to an absolute path.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("conveyor.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the daemon needs at startup.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "conveyor.db")
}

// LockFilePath returns the daemon instance lock location.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.DataDir, "conveyor.lock")
}

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeWorkflow()
	c.normalizeRetry()
	c.normalizeProviders()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("expand data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("expand log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.PollInterval <= 0 {
		c.Workflow.PollInterval = defaultPollInterval
	}
	if c.Workflow.WatchdogInterval <= 0 {
		c.Workflow.WatchdogInterval = defaultWatchdogInterval
	}
	if strings.TrimSpace(c.Workflow.FailurePolicy) == "" {
		c.Workflow.FailurePolicy = FailurePolicyPartial
	}
	if c.Workflow.JobTTLHours <= 0 {
		c.Workflow.JobTTLHours = defaultJobTTLHours
	}
}

func (c *Config) normalizeRetry() {
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaultRetryMaxAttempts
	}
	if c.Retry.BaseDelayMS <= 0 {
		c.Retry.BaseDelayMS = defaultRetryBaseDelayMS
	}
	if c.Retry.MaxDelayMS <= 0 {
		c.Retry.MaxDelayMS = defaultRetryMaxDelayMS
	}
}

func (c *Config) normalizeProviders() {
	if c.Providers.RequestTimeout <= 0 {
		c.Providers.RequestTimeout = defaultProviderRequestTimeout
	}
	if c.Providers.OCRTimeout <= 0 {
		c.Providers.OCRTimeout = defaultOCRTimeout
	}
	if c.Providers.TranscriptionTimeout <= 0 {
		c.Providers.TranscriptionTimeout = defaultTranscriptionTimeout
	}
	if c.Providers.ClassificationTimeout <= 0 {
		c.Providers.ClassificationTimeout = defaultClassificationTimeout
	}
	if c.Providers.VideoAnalysisTimeout <= 0 {
		c.Providers.VideoAnalysisTimeout = defaultVideoAnalysisTimeout
	}
	if c.Providers.TranslationTimeout <= 0 {
		c.Providers.TranslationTimeout = defaultTranslationTimeout
	}
	if c.Providers.ArchiveTimeout <= 0 {
		c.Providers.ArchiveTimeout = defaultArchiveTimeout
	}
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Abs(trimmed)
}
