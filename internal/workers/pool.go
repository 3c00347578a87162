package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/queue"
)

// Processor handles one queue delivery for a document.
type Processor interface {
	ProcessJob(ctx context.Context, documentID int64) error
}

// Pool polls the store for ready documents and dispatches them to workers.
type Pool struct {
	cfg       *config.Config
	store     *queue.Store
	processor Processor
	logger    *slog.Logger
	heartbeat *HeartbeatMonitor

	pollInterval  time.Duration
	errorInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewPool constructs a worker pool over the shared store.
func NewPool(cfg *config.Config, store *queue.Store, processor Processor, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	pollInterval := time.Duration(cfg.Pipeline.QueuePollInterval) * time.Second
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	errorInterval := time.Duration(cfg.Pipeline.ErrorRetryInterval) * time.Second
	if errorInterval <= 0 {
		errorInterval = pollInterval
	}
	return &Pool{
		cfg:       cfg,
		store:     store,
		processor: processor,
		logger:    logging.NewComponentLogger(logger, "workers"),
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Pipeline.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Pipeline.HeartbeatTimeout)*time.Second,
		),
		pollInterval:  pollInterval,
		errorInterval: errorInterval,
	}
}

// Start launches the workers and the stale-document reclaimer.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	workerCount := p.cfg.Pipeline.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		workerID := i + 1
		group.Go(func() error {
			p.runWorker(groupCtx, workerID)
			return nil
		})
	}
	group.Go(func() error {
		p.runReclaimer(groupCtx)
		return nil
	})

	p.cancel = cancel
	p.group = group
	p.running = true
	p.logger.Info("worker pool started", logging.Int("worker_count", workerCount))
	return nil
}

// Stop terminates the pool and waits for in-flight work to unwind.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	group := p.group
	p.running = false
	p.cancel = nil
	p.group = nil
	p.mu.Unlock()

	cancel()
	_ = group.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, workerID int) {
	logger := p.logger.With(logging.Int("worker_id", workerID))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		doc, err := p.store.NextReady(ctx, time.Now())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("failed to fetch next document",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check document database access"))
			p.sleep(ctx, p.errorInterval)
			continue
		}
		if doc == nil {
			p.sleep(ctx, p.pollInterval)
			continue
		}

		if err := p.processWithHeartbeat(ctx, doc.ID); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("document processing failed",
				logging.Int64(logging.FieldDocumentID, doc.ID),
				logging.Error(err),
				logging.String(logging.FieldEventType, "process_failed"))
			p.sleep(ctx, p.errorInterval)
		}
	}
}

// processWithHeartbeat keeps the document's liveness timestamp fresh for the
// duration of the pipeline attempt.
func (p *Pool) processWithHeartbeat(ctx context.Context, documentID int64) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go p.heartbeat.StartLoop(hbCtx, &hbWG, documentID)

	err := p.processor.ProcessJob(ctx, documentID)
	hbCancel()
	hbWG.Wait()
	return err
}

func (p *Pool) runReclaimer(ctx context.Context) {
	interval := p.heartbeat.heartbeatInterval
	if interval <= 0 {
		interval = p.pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.heartbeat.ReclaimStale(ctx, p.logger); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				p.logger.Warn("reclaim stale processing failed; stuck documents may remain",
					logging.Error(err),
					logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
					logging.String(logging.FieldErrorHint, "check document database access"))
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Reclaim runs one reclaim pass immediately. The daemon calls this on startup
// so documents orphaned by a crash re-enter the queue before workers poll.
func (p *Pool) Reclaim(ctx context.Context) error {
	return p.heartbeat.ReclaimStale(ctx, p.logger)
}

// ReclaimAll force-reclaims every in-flight document regardless of heartbeat
// age. Used on daemon startup when no other process can hold documents.
func (p *Pool) ReclaimAll(ctx context.Context) (int64, error) {
	return p.store.ReclaimStaleProcessing(ctx, time.Now().Add(time.Hour))
}
