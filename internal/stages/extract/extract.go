// Package extract pulls structured fields out of recognized text by calling
// an OpenAI-compatible chat-completions endpoint and validating the model's
// JSON reply against a per-type schema before accepting it.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/services"
	"docflow/internal/stage"
)

const maxPromptTextBytes = 3000

// Extractor calls the configured LLM endpoint for field extraction.
type Extractor struct {
	cfg    *config.Config
	logger *slog.Logger
	client *http.Client
}

// New constructs an Extractor with a timeout-bounded HTTP client.
func New(cfg *config.Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Extractor{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "extract"),
		client: &http.Client{Timeout: timeout},
	}
}

// Extract requests structured fields for the document. Invalid model output
// is a permanent failure; network and rate-limit trouble is retryable.
func (e *Extractor) Extract(ctx context.Context, documentType, text string) (queue.ExtractOutput, error) {
	if strings.TrimSpace(e.cfg.LLM.APIKey) == "" {
		return queue.ExtractOutput{}, services.Wrap(
			services.ErrUnavailable, stage.NameExtract, "check credentials",
			"no LLM API key configured", nil)
	}

	schema := FieldSchema(documentType)
	body := map[string]any{
		"model":           e.cfg.LLM.Model,
		"temperature":     0,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt(documentType)},
			{"role": "user", "content": userPrompt(text) + "\n\nReturn ONLY JSON that matches the provided schema."},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	raw, err := e.post(ctx, body)
	if err != nil {
		return queue.ExtractOutput{}, err
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &completion); err != nil {
		return queue.ExtractOutput{}, services.Wrap(
			services.ErrInvalidOutput, stage.NameExtract, "decode response",
			"completion envelope is not valid JSON", err)
	}
	if len(completion.Choices) == 0 {
		return queue.ExtractOutput{}, services.Wrap(
			services.ErrInvalidOutput, stage.NameExtract, "decode response",
			"completion carries no choices", nil)
	}

	content := []byte(strings.TrimSpace(completion.Choices[0].Message.Content))
	if err := ValidateAgainstSchema(schema, content); err != nil {
		return queue.ExtractOutput{}, services.Wrap(
			services.ErrInvalidOutput, stage.NameExtract, "validate fields",
			"model output violates the field schema", err)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal(content, &fields); err != nil {
		return queue.ExtractOutput{}, services.Wrap(
			services.ErrInvalidOutput, stage.NameExtract, "decode fields",
			"model output is not a JSON object", err)
	}

	e.logger.Debug("fields extracted",
		logging.String("document_type", documentType),
		logging.Int("field_count", len(fields)))
	return queue.ExtractOutput{Fields: fields, Model: e.cfg.LLM.Model}, nil
}

// HealthCheck verifies credentials are present without calling the endpoint.
func (e *Extractor) HealthCheck(ctx context.Context) stage.Health {
	if strings.TrimSpace(e.cfg.LLM.APIKey) == "" {
		return stage.Unhealthy(stage.NameExtract, "no LLM API key configured")
	}
	return stage.Healthy(stage.NameExtract)
}

func (e *Extractor) post(ctx context.Context, body map[string]any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.LLM.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.LLM.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return nil, services.Wrap(
				services.ErrTimeout, stage.NameExtract, "call endpoint",
				"LLM request timed out", err)
		}
		return nil, services.Wrap(
			services.ErrTransient, stage.NameExtract, "call endpoint",
			"LLM request failed", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			e.logger.Warn("response body close failed", logging.Error(closeErr))
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(
			services.ErrTransient, stage.NameExtract, "read response",
			"LLM response read failed", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, services.Wrap(
			services.ErrTransient, stage.NameExtract, "call endpoint",
			fmt.Sprintf("LLM endpoint returned status %d", resp.StatusCode), nil)
	default:
		return nil, services.Wrap(
			services.ErrExternalTool, stage.NameExtract, "call endpoint",
			fmt.Sprintf("LLM endpoint rejected the request with status %d", resp.StatusCode), nil)
	}
}

func systemPrompt(documentType string) string {
	parts := []string{
		fmt.Sprintf("You are a document field extractor for %s documents.", documentType),
		"Return ONLY JSON that matches the JSON Schema provided.",
		"Use ISO-8601 dates (YYYY-MM-DD).",
		"Never output null. If a field is not present, omit it.",
	}
	return strings.Join(parts, " ")
}

func userPrompt(text string) string {
	var b strings.Builder
	b.WriteString("Recognized document text:\n")
	if len(text) > maxPromptTextBytes {
		b.WriteString(text[:maxPromptTextBytes])
	} else {
		b.WriteString(text)
	}
	return b.String()
}

func mustJSON(v any) string {
	encoded, _ := json.MarshalIndent(v, "", "  ")
	return string(encoded)
}
