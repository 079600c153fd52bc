package config

const (
	defaultDataDir                = "~/.local/share/conveyor"
	defaultLogDir                 = "~/.local/share/conveyor/logs"
	defaultAPIBind                = "127.0.0.1:7319"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultPollInterval           = 5
	defaultWatchdogInterval       = 30
	defaultJobTTLHours            = 168
	defaultRetryMaxAttempts       = 3
	defaultRetryBaseDelayMS       = 500
	defaultRetryMaxDelayMS        = 30000
	defaultProviderRequestTimeout = 30
	defaultOCRTimeout             = 300
	defaultTranscriptionTimeout   = 3600
	defaultClassificationTimeout  = 300
	defaultVideoAnalysisTimeout   = 14400
	defaultTranslationTimeout     = 1800
	defaultArchiveTimeout         = 900
	defaultNtfyRequestTimeout     = 10
	defaultReviewThreshold        = 0.80
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Workflow: Workflow{
			PollInterval:     defaultPollInterval,
			WatchdogInterval: defaultWatchdogInterval,
			FailurePolicy:    FailurePolicyPartial,
			JobTTLHours:      defaultJobTTLHours,
		},
		Retry: Retry{
			MaxAttempts: defaultRetryMaxAttempts,
			BaseDelayMS: defaultRetryBaseDelayMS,
			MaxDelayMS:  defaultRetryMaxDelayMS,
		},
		Review: Review{
			ConfidenceThreshold: defaultReviewThreshold,
		},
		Providers: Providers{
			RequestTimeout:        defaultProviderRequestTimeout,
			OCRTimeout:            defaultOCRTimeout,
			TranscriptionTimeout:  defaultTranscriptionTimeout,
			ClassificationTimeout: defaultClassificationTimeout,
			VideoAnalysisTimeout:  defaultVideoAnalysisTimeout,
			TranslationTimeout:    defaultTranslationTimeout,
			ArchiveTimeout:        defaultArchiveTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyRequestTimeout,
		},
	}
}
