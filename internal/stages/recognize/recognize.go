// Package recognize extracts text from cleaned document images by shelling
// out to an external OCR engine that emits JSON on stdout.
package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/services"
	"docflow/internal/stage"
)

// Runner lets tests stub the external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	return out.Bytes(), errb.Bytes(), err
}

// engineResult is the JSON document the OCR binary prints on stdout.
type engineResult struct {
	Text       string         `json:"text"`
	Confidence float64        `json:"confidence"`
	Regions    []engineRegion `json:"regions"`
}

type engineRegion struct {
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Box        [][2]float64 `json:"box"`
}

// Engine invokes the configured OCR binary.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	runner Runner
}

// New constructs an Engine using the real command runner.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	return NewWithRunner(cfg, logger, execRunner{})
}

// NewWithRunner constructs an Engine with a custom runner (used in tests).
func NewWithRunner(cfg *config.Config, logger *slog.Logger, runner Runner) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "recognize"),
		runner: runner,
	}
}

// Recognize runs OCR over the cleaned image. An image with no recognizable
// text is a permanent failure: rerunning the same pipeline cannot conjure
// text out of a blank page.
func (e *Engine) Recognize(ctx context.Context, imagePath string) (queue.RecognizeOutput, error) {
	binary := e.cfg.OCR.Binary
	if _, err := exec.LookPath(binary); err != nil {
		return queue.RecognizeOutput{}, services.Wrap(
			services.ErrUnavailable, stage.NameRecognize, "locate engine",
			fmt.Sprintf("%s not found on PATH", binary), err)
	}

	args := []string{"--lang", e.cfg.OCR.Language, "--format", "json", imagePath}
	stdout, stderr, err := e.runner.Run(ctx, binary, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return queue.RecognizeOutput{}, services.Wrap(
				services.ErrTimeout, stage.NameRecognize, "run engine",
				fmt.Sprintf("%s timed out", binary), err)
		}
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = "engine exited with an error"
		}
		return queue.RecognizeOutput{}, services.Wrap(
			services.ErrExternalTool, stage.NameRecognize, "run engine", detail, err)
	}

	var result engineResult
	if err := json.Unmarshal(stdout, &result); err != nil {
		return queue.RecognizeOutput{}, services.Wrap(
			services.ErrInvalidOutput, stage.NameRecognize, "decode output",
			"engine produced malformed JSON", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return queue.RecognizeOutput{}, services.Wrap(
			services.ErrCorruptInput, stage.NameRecognize, "inspect output",
			"no recognizable text in document", nil)
	}

	output := queue.RecognizeOutput{
		Text:       text,
		Confidence: result.Confidence,
		Regions:    make([]queue.Region, 0, len(result.Regions)),
	}
	for _, region := range result.Regions {
		output.Regions = append(output.Regions, queue.Region{
			Text:       region.Text,
			Confidence: region.Confidence,
			Box:        region.Box,
		})
	}
	if output.Confidence == 0 && len(output.Regions) > 0 {
		output.Confidence = averageConfidence(output.Regions)
	}

	e.logger.Debug("text recognized",
		logging.String("image_path", imagePath),
		logging.Int("text_length", len(output.Text)),
		logging.Int("region_count", len(output.Regions)),
		logging.Float64("confidence", output.Confidence))
	return output, nil
}

// HealthCheck verifies the OCR binary is on PATH.
func (e *Engine) HealthCheck(ctx context.Context) stage.Health {
	if _, err := exec.LookPath(e.cfg.OCR.Binary); err != nil {
		return stage.Unhealthy(stage.NameRecognize, fmt.Sprintf("%s not found on PATH", e.cfg.OCR.Binary))
	}
	return stage.Healthy(stage.NameRecognize)
}

func averageConfidence(regions []queue.Region) float64 {
	if len(regions) == 0 {
		return 0
	}
	var sum float64
	for _, region := range regions {
		sum += region.Confidence
	}
	return sum / float64(len(regions))
}
