package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/pipeline"
	"docflow/internal/queue"
	"docflow/internal/stages/classify"
	"docflow/internal/stages/extract"
	"docflow/internal/stages/preprocess"
	"docflow/internal/stages/recognize"
	"docflow/internal/workers"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the docflow daemon runtime loop and blocks until a termination
// signal arrives or the parent context is cancelled.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logger, err := logging.NewForDaemon(level, cfg.Logging.Format, cfg.Paths.LogDir)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(logger, cfg)

	pidPath := filepath.Join(cfg.Paths.LogDir, "docflowd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open document store", logging.Error(err))
		return err
	}

	orchestrator := pipeline.NewOrchestrator(cfg, store, logger,
		preprocess.New(cfg, logger),
		recognize.New(cfg, logger),
		classify.New(cfg, logger),
		extract.New(cfg, logger),
	)
	pool := workers.NewPool(cfg, store, orchestrator, logger)

	d, err := New(cfg, store, logger, pool, orchestrator)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration and document database access"))
		return err
	}

	<-signalCtx.Done()
	logger.Info("docflow daemon shutting down")
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("preprocess_available", binaryAvailable(cfg.Preprocess.Binary)),
		logging.String("preprocess_binary", cfg.Preprocess.Binary),
		logging.Bool("ocr_available", binaryAvailable(cfg.OCR.Binary)),
		logging.String("ocr_binary", cfg.OCR.Binary),
		logging.Bool("llm_key_present", strings.TrimSpace(cfg.LLM.APIKey) != ""),
		logging.String("llm_model", cfg.LLM.Model),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
