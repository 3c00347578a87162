// Package preprocess cleans raw document images ahead of text recognition by
// shelling out to an external clean-up tool (denoise, deskew, binarize).
package preprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
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

var supportedExtensions = map[string]struct{}{
	".pdf":  {},
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
}

// Cleaner invokes the configured clean-up binary.
type Cleaner struct {
	cfg    *config.Config
	logger *slog.Logger
	runner Runner
}

// New constructs a Cleaner using the real command runner.
func New(cfg *config.Config, logger *slog.Logger) *Cleaner {
	return NewWithRunner(cfg, logger, execRunner{})
}

// NewWithRunner constructs a Cleaner with a custom runner (used in tests).
func NewWithRunner(cfg *config.Config, logger *slog.Logger, runner Runner) *Cleaner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cleaner{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "preprocess"),
		runner: runner,
	}
}

// Clean validates the source file and produces a cleaned image in the staging
// directory. Unsupported formats and missing sources are permanent failures;
// tool trouble is retryable.
func (c *Cleaner) Clean(ctx context.Context, sourcePath string) (queue.PreprocessOutput, error) {
	ext := strings.ToLower(filepath.Ext(sourcePath))
	if _, ok := supportedExtensions[ext]; !ok {
		return queue.PreprocessOutput{}, services.Wrap(
			services.ErrUnsupportedInput, stage.NamePreprocess, "validate input",
			fmt.Sprintf("unsupported file extension %q", ext), nil)
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return queue.PreprocessOutput{}, services.Wrap(
			services.ErrCorruptInput, stage.NamePreprocess, "validate input",
			"source file missing or unreadable", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return queue.PreprocessOutput{}, services.Wrap(
			services.ErrCorruptInput, stage.NamePreprocess, "validate input",
			"source file is empty or not a regular file", nil)
	}

	binary := c.cfg.Preprocess.Binary
	if _, err := exec.LookPath(binary); err != nil {
		return queue.PreprocessOutput{}, services.Wrap(
			services.ErrUnavailable, stage.NamePreprocess, "locate tool",
			fmt.Sprintf("%s not found on PATH", binary), err)
	}

	cleanPath := filepath.Join(c.cfg.Paths.StagingDir, cleanName(sourcePath))
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return queue.PreprocessOutput{}, services.Wrap(
			services.ErrTransient, stage.NamePreprocess, "prepare staging",
			"create staging directory", err)
	}

	args := append(append([]string{}, c.cfg.Preprocess.Args...), sourcePath, cleanPath)
	_, stderr, err := c.runner.Run(ctx, binary, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return queue.PreprocessOutput{}, services.Wrap(
				services.ErrTimeout, stage.NamePreprocess, "run tool",
				fmt.Sprintf("%s timed out", binary), err)
		}
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = "tool exited with an error"
		}
		return queue.PreprocessOutput{}, services.Wrap(
			services.ErrExternalTool, stage.NamePreprocess, "run tool", detail, err)
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return queue.PreprocessOutput{}, services.Wrap(
			services.ErrExternalTool, stage.NamePreprocess, "collect output",
			"tool reported success but produced no output", err)
	}

	c.logger.Debug("image cleaned",
		logging.String("source_path", sourcePath),
		logging.String("clean_path", cleanPath))
	return queue.PreprocessOutput{CleanPath: cleanPath}, nil
}

// HealthCheck verifies the clean-up binary is on PATH.
func (c *Cleaner) HealthCheck(ctx context.Context) stage.Health {
	if _, err := exec.LookPath(c.cfg.Preprocess.Binary); err != nil {
		return stage.Unhealthy(stage.NamePreprocess, fmt.Sprintf("%s not found on PATH", c.cfg.Preprocess.Binary))
	}
	return stage.Healthy(stage.NamePreprocess)
}

func cleanName(sourcePath string) string {
	base := filepath.Base(sourcePath)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + ".clean.png"
}
