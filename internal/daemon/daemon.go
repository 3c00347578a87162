package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"

	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/stage"
	"docflow/internal/workers"
)

// documentFileExtensions lists the inputs accepted for manual enqueueing.
// The preprocess stage enforces the same set, so rejecting here saves a
// doomed pipeline attempt.
var documentFileExtensions = map[string]struct{}{
	".pdf":  {},
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
}

// StageHealthChecker reports readiness of the pipeline stages.
type StageHealthChecker interface {
	HealthCheck(ctx context.Context) []stage.Health
}

// Daemon owns the worker pool and enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *queue.Store
	pool   *workers.Pool
	stages StageHealthChecker

	logPath  string
	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Queue        queue.HealthSummary
	Stages       []stage.Health
	QueueDBPath  string
	LockFilePath string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger, pool *workers.Pool, stages StageHealthChecker) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil || pool == nil {
		return nil, errors.New("daemon requires config, store, logger, and worker pool")
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "docflowd.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		pool:     pool,
		stages:   stages,
		logPath:  filepath.Join(cfg.Paths.LogDir, "docflow.log"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, requeues documents orphaned by a previous
// crash, and launches the worker pool.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another docflow daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if reclaimed, err := d.pool.ReclaimAll(runCtx); err != nil {
		d.logger.Warn("startup reclaim failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "startup_reclaim_failed"))
	} else if reclaimed > 0 {
		d.logger.Info("requeued documents orphaned by previous run",
			logging.Int64("count", reclaimed),
			logging.String(logging.FieldEventType, "startup_reclaim"))
	}

	if err := d.pool.Start(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start worker pool: %w", err)
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("docflow daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.pool.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("docflow daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// ResolveDocumentPath validates a candidate upload and returns its absolute
// path. The file must exist and carry a supported extension.
func ResolveDocumentPath(sourcePath string) (string, error) {
	trimmed := strings.TrimSpace(sourcePath)
	if trimmed == "" {
		return "", errors.New("source path is required")
	}
	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve source path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("source path %q is a directory", absPath)
	}
	ext := strings.ToLower(filepath.Ext(info.Name()))
	if _, ok := documentFileExtensions[ext]; !ok {
		return "", fmt.Errorf("unsupported file extension %q", ext)
	}
	return absPath, nil
}

// AddFile enqueues a document for processing.
func (d *Daemon) AddFile(ctx context.Context, sourcePath string, priority int) (*queue.Document, error) {
	if d.store == nil {
		return nil, errors.New("document store unavailable")
	}
	absPath, err := ResolveDocumentPath(sourcePath)
	if err != nil {
		return nil, err
	}
	doc, err := d.store.NewDocument(ctx, absPath, priority)
	if err != nil {
		return nil, fmt.Errorf("enqueue document: %w", err)
	}
	d.logger.Info("document queued",
		logging.Int64(logging.FieldDocumentID, doc.ID),
		logging.String("source", absPath),
		logging.Int("priority", priority))
	return doc, nil
}

// ListQueue returns documents filtered by optional statuses.
func (d *Daemon) ListQueue(ctx context.Context, statuses []queue.Status) ([]*queue.Document, error) {
	if d.store == nil {
		return nil, errors.New("document store unavailable")
	}
	return d.store.List(ctx, statuses...)
}

// Describe returns a single document, or nil when it does not exist.
func (d *Daemon) Describe(ctx context.Context, id int64) (*queue.Document, error) {
	if d.store == nil {
		return nil, errors.New("document store unavailable")
	}
	return d.store.GetByID(ctx, id)
}

// ClearQueue removes all documents.
func (d *Daemon) ClearQueue(ctx context.Context) (int64, error) {
	if d.store == nil {
		return 0, errors.New("document store unavailable")
	}
	return d.store.Clear(ctx)
}

// ClearCompleted removes only completed documents.
func (d *Daemon) ClearCompleted(ctx context.Context) (int64, error) {
	if d.store == nil {
		return 0, errors.New("document store unavailable")
	}
	return d.store.ClearCompleted(ctx)
}

// ClearFailed removes only failed documents.
func (d *Daemon) ClearFailed(ctx context.Context) (int64, error) {
	if d.store == nil {
		return 0, errors.New("document store unavailable")
	}
	return d.store.ClearFailed(ctx)
}

// RetryFailed resets failed documents (optionally a subset) back to pending.
func (d *Daemon) RetryFailed(ctx context.Context, ids []int64) (int64, error) {
	if d.store == nil {
		return 0, errors.New("document store unavailable")
	}
	return d.store.RetryFailed(ctx, ids...)
}

// Reprocess restarts a settled document from scratch under a new generation.
func (d *Daemon) Reprocess(ctx context.Context, id int64) (bool, error) {
	if d.store == nil {
		return false, errors.New("document store unavailable")
	}
	return d.store.Reprocess(ctx, id)
}

// ResolveReview applies a manual review decision to a document awaiting it.
func (d *Daemon) ResolveReview(ctx context.Context, id int64, approve bool, note string) (bool, error) {
	if d.store == nil {
		return false, errors.New("document store unavailable")
	}
	return d.store.ResolveReview(ctx, id, approve, note)
}

// QueueHealth returns aggregate queue diagnostics.
func (d *Daemon) QueueHealth(ctx context.Context) (queue.HealthSummary, error) {
	if d.store == nil {
		return queue.HealthSummary{}, errors.New("document store unavailable")
	}
	return d.store.Health(ctx)
}

// DatabaseHealth returns detailed database diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (queue.DatabaseHealth, error) {
	if d.store == nil {
		return queue.DatabaseHealth{}, errors.New("document store unavailable")
	}
	return d.store.CheckHealth(ctx)
}

// StageHealth reports readiness of each pipeline stage.
func (d *Daemon) StageHealth(ctx context.Context) []stage.Health {
	if d.stages == nil {
		return nil
	}
	return d.stages.HealthCheck(ctx)
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	summary, err := d.store.Health(ctx)
	if err != nil {
		d.logger.Warn("queue health lookup failed", logging.Error(err))
	}
	return Status{
		Running:      d.running.Load(),
		Queue:        summary,
		Stages:       d.StageHealth(ctx),
		QueueDBPath:  filepath.Join(d.cfg.Paths.DataDir, "documents.db"),
		LockFilePath: d.lockPath,
	}
}
