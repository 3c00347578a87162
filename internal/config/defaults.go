package config

const (
	defaultDataDir    = "~/.local/share/docflow/data"
	defaultUploadDir  = "~/.local/share/docflow/uploads"
	defaultStagingDir = "~/.local/share/docflow/staging"
	defaultLogDir     = "~/.local/share/docflow/logs"

	defaultConfidenceThreshold = 0.6
	defaultMaxAttempts         = 3
	defaultRetryBackoffBase    = 30
	defaultRetryBackoffCap     = 600
	defaultWorkerCount         = 2
	defaultQueuePollInterval   = 5
	defaultErrorRetryInterval  = 10
	defaultHeartbeatInterval   = 15
	defaultHeartbeatTimeout    = 120
	defaultPreprocessTimeout   = 120
	defaultRecognizeTimeout    = 300
	defaultClassifyTimeout     = 30
	defaultExtractTimeout      = 120

	defaultPreprocessBinary = "docclean"
	defaultOCRBinary        = "dococr"
	defaultOCRLanguage      = "en"

	defaultClassifierMinConfidence = 0.3

	defaultLLMBaseURL        = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel          = "google/gemini-3-flash-preview"
	defaultLLMTimeoutSeconds = 60

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			UploadDir:  defaultUploadDir,
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
		},
		Pipeline: Pipeline{
			ConfidenceThreshold: defaultConfidenceThreshold,
			MaxAttempts:         defaultMaxAttempts,
			RetryBackoffBase:    defaultRetryBackoffBase,
			RetryBackoffCap:     defaultRetryBackoffCap,
			WorkerCount:         defaultWorkerCount,
			QueuePollInterval:   defaultQueuePollInterval,
			ErrorRetryInterval:  defaultErrorRetryInterval,
			HeartbeatInterval:   defaultHeartbeatInterval,
			HeartbeatTimeout:    defaultHeartbeatTimeout,
			PreprocessTimeout:   defaultPreprocessTimeout,
			RecognizeTimeout:    defaultRecognizeTimeout,
			ClassifyTimeout:     defaultClassifyTimeout,
			ExtractTimeout:      defaultExtractTimeout,
		},
		Preprocess: Preprocess{
			Binary: defaultPreprocessBinary,
		},
		OCR: OCR{
			Binary:   defaultOCRBinary,
			Language: defaultOCRLanguage,
		},
		Classifier: Classifier{
			MinConfidence: defaultClassifierMinConfidence,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
