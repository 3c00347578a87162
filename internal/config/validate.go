package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateClassifier(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		return errors.New("pipeline.confidence_threshold must be between 0 and 1")
	}
	if err := ensurePositiveMap(map[string]int{
		"pipeline.max_attempts":         c.Pipeline.MaxAttempts,
		"pipeline.retry_backoff_base":   c.Pipeline.RetryBackoffBase,
		"pipeline.retry_backoff_cap":    c.Pipeline.RetryBackoffCap,
		"pipeline.worker_count":         c.Pipeline.WorkerCount,
		"pipeline.error_retry_interval": c.Pipeline.ErrorRetryInterval,
		"pipeline.preprocess_timeout":   c.Pipeline.PreprocessTimeout,
		"pipeline.recognize_timeout":    c.Pipeline.RecognizeTimeout,
		"pipeline.classify_timeout":     c.Pipeline.ClassifyTimeout,
		"pipeline.extract_timeout":      c.Pipeline.ExtractTimeout,
	}); err != nil {
		return err
	}
	if c.Pipeline.QueuePollInterval < 0 {
		return errors.New("pipeline.queue_poll_interval must be >= 0")
	}
	if c.Pipeline.RetryBackoffCap < c.Pipeline.RetryBackoffBase {
		return errors.New("pipeline.retry_backoff_cap must be >= pipeline.retry_backoff_base")
	}
	if c.Pipeline.HeartbeatInterval <= 0 {
		return errors.New("pipeline.heartbeat_interval must be positive")
	}
	if c.Pipeline.HeartbeatTimeout <= c.Pipeline.HeartbeatInterval {
		return errors.New("pipeline.heartbeat_timeout must be greater than pipeline.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateClassifier() error {
	if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence > 1 {
		return errors.New("classifier.min_confidence must be between 0 and 1")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
