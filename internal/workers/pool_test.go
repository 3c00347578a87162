package workers_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/testsupport"
	"docflow/internal/workers"
)

// recordingProcessor marks each delivered document completed and remembers
// which IDs it saw.
type recordingProcessor struct {
	store *queue.Store

	mu   sync.Mutex
	seen map[int64]int
}

func newRecordingProcessor(store *queue.Store) *recordingProcessor {
	return &recordingProcessor{store: store, seen: make(map[int64]int)}
}

func (r *recordingProcessor) ProcessJob(ctx context.Context, documentID int64) error {
	r.mu.Lock()
	r.seen[documentID]++
	r.mu.Unlock()

	doc, err := r.store.GetByID(ctx, documentID)
	if err != nil {
		return err
	}
	if doc == nil || doc.Status != queue.StatusPending {
		return nil
	}
	claimed, err := r.store.ClaimForProcessing(ctx, doc)
	if err != nil || !claimed {
		return err
	}
	now := time.Now().UTC()
	doc.Status = queue.StatusCompleted
	doc.CompletedAt = &now
	doc.LastHeartbeat = nil
	_, err = r.store.CompareAndUpdate(ctx, doc, queue.StatusPreprocessing)
	return err
}

func (r *recordingProcessor) deliveries(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[id]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPoolProcessesReadyDocuments(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkerCount(2))
	store := testsupport.MustOpenStore(t, cfg)
	processor := newRecordingProcessor(store)
	pool := workers.NewPool(cfg, store, processor, logging.NewNop())

	ids := make([]int64, 0, 3)
	for _, path := range []string{"/uploads/a.pdf", "/uploads/b.pdf", "/uploads/c.pdf"} {
		doc := testsupport.NewDocument(t, store, path)
		ids = append(ids, doc.ID)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		for _, id := range ids {
			doc, err := store.GetByID(context.Background(), id)
			if err != nil || doc == nil || doc.Status != queue.StatusCompleted {
				return false
			}
		}
		return true
	})
}

func TestPoolStartIsExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	pool := workers.NewPool(cfg, store, newRecordingProcessor(store), logging.NewNop())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	if err := pool.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestPoolStopIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	pool := workers.NewPool(cfg, store, newRecordingProcessor(store), logging.NewNop())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pool.Stop()
	pool.Stop()
}

func TestPoolBackoffHidesDocuments(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	processor := newRecordingProcessor(store)
	pool := workers.NewPool(cfg, store, processor, logging.NewNop())

	ctx := context.Background()
	doc := testsupport.NewDocument(t, store, "/uploads/delayed.pdf")
	if claimed, err := store.ClaimForProcessing(ctx, doc); err != nil || !claimed {
		t.Fatalf("claim failed: %v (claimed=%v)", err, claimed)
	}
	if ok, err := store.RollbackForRetry(ctx, doc, queue.StatusPreprocessing, time.Hour); err != nil || !ok {
		t.Fatalf("rollback failed: %v (ok=%v)", err, ok)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	time.Sleep(300 * time.Millisecond)
	if got := processor.deliveries(doc.ID); got != 0 {
		t.Fatalf("document in backoff was delivered %d times", got)
	}
}

func TestReclaimAllRequeuesOrphans(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	processor := newRecordingProcessor(store)
	pool := workers.NewPool(cfg, store, processor, logging.NewNop())

	ctx := context.Background()
	doc := testsupport.NewDocument(t, store, "/uploads/orphan.pdf")
	if claimed, err := store.ClaimForProcessing(ctx, doc); err != nil || !claimed {
		t.Fatalf("claim failed: %v (claimed=%v)", err, claimed)
	}

	count, err := pool.ReclaimAll(ctx)
	if err != nil {
		t.Fatalf("ReclaimAll failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reclaimed document, got %d", count)
	}

	stored, err := store.GetByID(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.Status != queue.StatusPending {
		t.Fatalf("expected pending after reclaim, got %s", stored.Status)
	}
}

func TestHeartbeatMonitorReclaimsOnlyStale(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	monitor := workers.NewHeartbeatMonitor(store, logging.NewNop(), time.Second, time.Minute)

	ctx := context.Background()
	stale := testsupport.NewDocument(t, store, "/uploads/stale.pdf")
	if claimed, err := store.ClaimForProcessing(ctx, stale); err != nil || !claimed {
		t.Fatalf("claim failed: %v (claimed=%v)", err, claimed)
	}
	old := time.Now().UTC().Add(-time.Hour)
	stale.LastHeartbeat = &old
	if err := store.Update(ctx, stale); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	fresh := testsupport.NewDocument(t, store, "/uploads/fresh.pdf")
	if claimed, err := store.ClaimForProcessing(ctx, fresh); err != nil || !claimed {
		t.Fatalf("claim failed: %v (claimed=%v)", err, claimed)
	}

	if err := monitor.ReclaimStale(ctx, logging.NewNop()); err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}

	staleDoc, err := store.GetByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if staleDoc.Status != queue.StatusPending {
		t.Fatalf("expected stale document requeued, got %s", staleDoc.Status)
	}
	freshDoc, err := store.GetByID(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if freshDoc.Status != queue.StatusPreprocessing {
		t.Fatalf("fresh document should stay claimed, got %s", freshDoc.Status)
	}
}
