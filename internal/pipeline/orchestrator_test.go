package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/pipeline"
	"docflow/internal/queue"
	"docflow/internal/services"
	"docflow/internal/stage"
	"docflow/internal/testsupport"
)

type stubPreprocessor struct {
	calls atomic.Int64
	err   error
}

func (s *stubPreprocessor) Clean(ctx context.Context, sourcePath string) (queue.PreprocessOutput, error) {
	s.calls.Add(1)
	if s.err != nil {
		return queue.PreprocessOutput{}, s.err
	}
	return queue.PreprocessOutput{CleanPath: sourcePath + ".clean.png"}, nil
}

func (s *stubPreprocessor) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy(stage.NamePreprocess)
}

type stubRecognizer struct {
	calls      atomic.Int64
	confidence float64
	text       string
	errs       []error
}

func (s *stubRecognizer) Recognize(ctx context.Context, imagePath string) (queue.RecognizeOutput, error) {
	call := s.calls.Add(1)
	if int(call) <= len(s.errs) && s.errs[call-1] != nil {
		return queue.RecognizeOutput{}, s.errs[call-1]
	}
	text := s.text
	if text == "" {
		text = "INVOICE #42 total due 12.50"
	}
	confidence := s.confidence
	if confidence == 0 {
		confidence = 0.92
	}
	return queue.RecognizeOutput{Text: text, Confidence: confidence}, nil
}

func (s *stubRecognizer) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy(stage.NameRecognize)
}

type stubClassifier struct {
	calls atomic.Int64
	err   error
}

func (s *stubClassifier) Classify(ctx context.Context, text string) (queue.ClassifyOutput, error) {
	s.calls.Add(1)
	if s.err != nil {
		return queue.ClassifyOutput{}, s.err
	}
	return queue.ClassifyOutput{Type: "invoice", Confidence: 0.8}, nil
}

func (s *stubClassifier) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy(stage.NameClassify)
}

type stubExtractor struct {
	calls atomic.Int64
	err   error
}

func (s *stubExtractor) Extract(ctx context.Context, documentType, text string) (queue.ExtractOutput, error) {
	s.calls.Add(1)
	if s.err != nil {
		return queue.ExtractOutput{}, s.err
	}
	return queue.ExtractOutput{Fields: map[string]any{"total": 12.5, "vendor": "Acme"}, Model: "stub"}, nil
}

func (s *stubExtractor) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy(stage.NameExtract)
}

type harness struct {
	cfg          *config.Config
	store        *queue.Store
	orchestrator *pipeline.Orchestrator
	preprocessor *stubPreprocessor
	recognizer   *stubRecognizer
	classifier   *stubClassifier
	extractor    *stubExtractor
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	h := &harness{
		cfg:          cfg,
		store:        store,
		preprocessor: &stubPreprocessor{},
		recognizer:   &stubRecognizer{},
		classifier:   &stubClassifier{},
		extractor:    &stubExtractor{},
	}
	h.orchestrator = pipeline.NewOrchestrator(cfg, store, logging.NewNop(),
		h.preprocessor, h.recognizer, h.classifier, h.extractor)
	return h
}

func (h *harness) mustGet(t *testing.T, id int64) *queue.Document {
	t.Helper()
	doc, err := h.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if doc == nil {
		t.Fatalf("document %d missing", id)
	}
	return doc
}

func TestProcessJobCompletesDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/invoice.pdf")

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}

	stored := h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.AttemptCount != 1 || stored.GenerationAttempts != 1 {
		t.Fatalf("unexpected counters: %#v", stored)
	}
	if stored.DocumentType != "invoice" {
		t.Fatalf("expected classified type, got %q", stored.DocumentType)
	}
	if stored.Confidence == nil || *stored.Confidence != 0.92 {
		t.Fatalf("expected recognition confidence persisted, got %v", stored.Confidence)
	}
	if stored.CompletedAt == nil {
		t.Fatal("expected completion timestamp")
	}

	fields, err := stored.ExtractedFields()
	if err != nil {
		t.Fatalf("ExtractedFields failed: %v", err)
	}
	if fields["vendor"] != "Acme" {
		t.Fatalf("unexpected fields: %#v", fields)
	}

	outputs, err := stored.StageOutputs()
	if err != nil {
		t.Fatalf("StageOutputs failed: %v", err)
	}
	if outputs.Preprocess == nil || outputs.Recognize == nil || outputs.Classify == nil || outputs.Extract == nil {
		t.Fatalf("expected all stage outputs persisted: %#v", outputs)
	}
}

func TestProcessJobDuplicateDeliveryIsNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/invoice.pdf")

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}
	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("duplicate ProcessJob failed: %v", err)
	}

	stored := h.mustGet(t, doc.ID)
	if stored.AttemptCount != 1 {
		t.Fatalf("duplicate delivery must not burn attempts, got %d", stored.AttemptCount)
	}
	if got := h.preprocessor.calls.Load(); got != 1 {
		t.Fatalf("expected single preprocess run, got %d", got)
	}
	if got := h.extractor.calls.Load(); got != 1 {
		t.Fatalf("expected single extract run, got %d", got)
	}
}

func TestProcessJobInFlightDocumentIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/invoice.pdf")
	if claimed, err := h.store.ClaimForProcessing(ctx, doc); err != nil || !claimed {
		t.Fatalf("claim failed: %v (claimed=%v)", err, claimed)
	}

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}
	if got := h.preprocessor.calls.Load(); got != 0 {
		t.Fatalf("in-flight document must not be reprocessed, preprocess ran %d times", got)
	}
	stored := h.mustGet(t, doc.ID)
	if stored.AttemptCount != 1 {
		t.Fatalf("attempt count changed: %d", stored.AttemptCount)
	}
}

func TestProcessJobUnknownDocumentIsDropped(t *testing.T) {
	h := newHarness(t)
	if err := h.orchestrator.ProcessJob(context.Background(), 4242); err != nil {
		t.Fatalf("expected unknown document to be dropped, got %v", err)
	}
}

func TestProcessJobConfidenceGateRoutesToReview(t *testing.T) {
	h := newHarness(t)
	h.recognizer.confidence = 0.4
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/blurry.pdf")

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}

	stored := h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusNeedsReview {
		t.Fatalf("expected needs_review, got %s", stored.Status)
	}
	if stored.ReviewReason == "" {
		t.Fatal("expected review reason to be recorded")
	}
	// All stages still ran; review is a terminal downgrade, not an abort.
	if got := h.extractor.calls.Load(); got != 1 {
		t.Fatalf("extract should still run for low-confidence documents, ran %d times", got)
	}
	fields, err := stored.ExtractedFields()
	if err != nil {
		t.Fatalf("ExtractedFields failed: %v", err)
	}
	if len(fields) == 0 {
		t.Fatal("expected extracted fields preserved for reviewer")
	}
}

func TestProcessJobConfidenceAtThresholdCompletes(t *testing.T) {
	h := newHarness(t)
	h.recognizer.confidence = h.cfg.Pipeline.ConfidenceThreshold
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/borderline.pdf")

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}
	stored := h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusCompleted {
		t.Fatalf("confidence equal to threshold should complete, got %s", stored.Status)
	}
}

func TestProcessJobRecoverableFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.recognizer.errs = []error{
		services.Wrap(services.ErrTransient, stage.NameRecognize, "run ocr", "engine hiccup", nil),
	}
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/flaky.pdf")

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}

	stored := h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusPending {
		t.Fatalf("expected rollback to pending, got %s", stored.Status)
	}
	if stored.AttemptCount != 1 || stored.GenerationAttempts != 1 {
		t.Fatalf("unexpected counters after failed attempt: %#v", stored)
	}
	entries, err := stored.ErrorLog()
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != string(services.KindTransient) {
		t.Fatalf("unexpected error log: %#v", entries)
	}

	// Backoff base is zero in tests so the retry is immediately ready.
	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("retry ProcessJob failed: %v", err)
	}
	stored = h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusCompleted {
		t.Fatalf("expected completed after retry, got %s", stored.Status)
	}
	if stored.AttemptCount != 2 {
		t.Fatalf("expected 2 total attempts, got %d", stored.AttemptCount)
	}
	// The failed attempt's outputs must not survive into the retry.
	outputs, err := stored.StageOutputs()
	if err != nil {
		t.Fatalf("StageOutputs failed: %v", err)
	}
	if outputs.Recognize == nil || outputs.Recognize.Confidence != 0.92 {
		t.Fatalf("expected outputs from the successful attempt only: %#v", outputs)
	}
}

func TestProcessJobRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.recognizer.errs = []error{
		services.Wrap(services.ErrTimeout, stage.NameRecognize, "run ocr", "slow engine", nil),
		services.Wrap(services.ErrTimeout, stage.NameRecognize, "run ocr", "slow engine", nil),
		services.Wrap(services.ErrTimeout, stage.NameRecognize, "run ocr", "slow engine", nil),
		services.Wrap(services.ErrTimeout, stage.NameRecognize, "run ocr", "slow engine", nil),
	}
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/doomed.pdf")

	maxAttempts := h.cfg.Pipeline.MaxAttempts
	for i := 0; i < maxAttempts; i++ {
		if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
			t.Fatalf("ProcessJob attempt %d failed: %v", i+1, err)
		}
	}

	stored := h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusFailed {
		t.Fatalf("expected failed after %d attempts, got %s", maxAttempts, stored.Status)
	}
	if stored.AttemptCount != maxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", maxAttempts, stored.AttemptCount)
	}
	entries, err := stored.ErrorLog()
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	if len(entries) != maxAttempts {
		t.Fatalf("expected %d error entries, got %d", maxAttempts, len(entries))
	}

	// A further delivery must not start a fourth attempt.
	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("post-failure ProcessJob failed: %v", err)
	}
	stored = h.mustGet(t, doc.ID)
	if stored.AttemptCount != maxAttempts {
		t.Fatalf("failed document was retried past its budget: %d attempts", stored.AttemptCount)
	}
	if got := h.recognizer.calls.Load(); got != int64(maxAttempts) {
		t.Fatalf("recognizer ran %d times, want %d", got, maxAttempts)
	}
}

func TestProcessJobUnrecoverableShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.classifier.err = services.Wrap(services.ErrUnsupportedInput, stage.NameClassify, "classify", "unreadable script", nil)
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/mystery.bin")

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}

	stored := h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusFailed {
		t.Fatalf("expected failed on unrecoverable error, got %s", stored.Status)
	}
	if stored.AttemptCount != 1 {
		t.Fatalf("unrecoverable failure must not retry, got %d attempts", stored.AttemptCount)
	}
	if got := h.extractor.calls.Load(); got != 0 {
		t.Fatalf("extract must not run after classify failed, ran %d times", got)
	}
	entries, err := stored.ErrorLog()
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != string(services.KindUnsupportedInput) {
		t.Fatalf("unexpected error log: %#v", entries)
	}

	// Duplicate delivery after terminal failure stays a no-op.
	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("post-failure ProcessJob failed: %v", err)
	}
	if got := h.classifier.calls.Load(); got != 1 {
		t.Fatalf("classifier reran after terminal failure: %d calls", got)
	}
}

func TestFailureTakesPrecedenceOverConfidenceGate(t *testing.T) {
	h := newHarness(t)
	h.recognizer.confidence = 0.2
	h.extractor.err = services.Wrap(services.ErrInvalidOutput, stage.NameExtract, "validate", "schema violation", nil)
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/both.pdf")

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}

	stored := h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusFailed {
		t.Fatalf("failure must win over the confidence gate, got %s", stored.Status)
	}
	if stored.ReviewReason != "" {
		t.Fatalf("failed document must not carry a review reason: %q", stored.ReviewReason)
	}
}

func TestProcessJobUntaggedErrorIsRetried(t *testing.T) {
	h := newHarness(t)
	h.recognizer.errs = []error{fmt.Errorf("ocr crashed: %w", errors.New("segfault"))}
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/odd.pdf")

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}
	stored := h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusPending {
		t.Fatalf("untagged errors default to recoverable, got %s", stored.Status)
	}
	entries, err := stored.ErrorLog()
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != string(services.KindUnknown) {
		t.Fatalf("unexpected error log: %#v", entries)
	}
}

func TestProcessJobDeadlineCountsAsTimeout(t *testing.T) {
	h := newHarness(t)
	h.recognizer.errs = []error{fmt.Errorf("run ocr: %w", context.DeadlineExceeded)}
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/slow.pdf")

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}
	stored := h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusPending {
		t.Fatalf("stage timeout should be recoverable, got %s", stored.Status)
	}
	entries, err := stored.ErrorLog()
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != string(services.KindTimeout) {
		t.Fatalf("expected timeout entry, got %#v", entries)
	}
}

func TestReprocessRunsFreshGeneration(t *testing.T) {
	h := newHarness(t)
	h.recognizer.errs = []error{
		services.Wrap(services.ErrTransient, stage.NameRecognize, "run ocr", "hiccup", nil),
		services.Wrap(services.ErrTransient, stage.NameRecognize, "run ocr", "hiccup", nil),
		services.Wrap(services.ErrTransient, stage.NameRecognize, "run ocr", "hiccup", nil),
	}
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/second-chance.pdf")

	maxAttempts := h.cfg.Pipeline.MaxAttempts
	for i := 0; i < maxAttempts; i++ {
		if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
			t.Fatalf("ProcessJob attempt %d failed: %v", i+1, err)
		}
	}
	stored := h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusFailed {
		t.Fatalf("expected failed before reprocess, got %s", stored.Status)
	}

	ok, err := h.store.Reprocess(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}
	if !ok {
		t.Fatal("expected reprocess to apply")
	}

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob after reprocess failed: %v", err)
	}
	stored = h.mustGet(t, doc.ID)
	if stored.Status != queue.StatusCompleted {
		t.Fatalf("expected completed in new generation, got %s", stored.Status)
	}
	if stored.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", stored.Generation)
	}
	if stored.AttemptCount != maxAttempts+1 {
		t.Fatalf("total attempts must keep growing, got %d", stored.AttemptCount)
	}
	entries, err := stored.ErrorLog()
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	// Three stage failures plus the reprocess reset marker.
	if len(entries) != maxAttempts+1 {
		t.Fatalf("expected full history preserved, got %d entries", len(entries))
	}
}

func TestProcessJobHonorsBackoffDelay(t *testing.T) {
	h := newHarness(t)
	h.cfg.Pipeline.RetryBackoffBase = 3600
	h.recognizer.errs = []error{
		services.Wrap(services.ErrTransient, stage.NameRecognize, "run ocr", "hiccup", nil),
	}
	ctx := context.Background()
	doc := testsupport.NewDocument(t, h.store, "/uploads/patient.pdf")

	if err := h.orchestrator.ProcessJob(ctx, doc.ID); err != nil {
		t.Fatalf("ProcessJob failed: %v", err)
	}
	next, err := h.store.NextReady(ctx, time.Now())
	if err != nil {
		t.Fatalf("NextReady failed: %v", err)
	}
	if next != nil {
		t.Fatalf("document should be hidden during backoff, got %#v", next)
	}
	next, err = h.store.NextReady(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("NextReady failed: %v", err)
	}
	if next == nil || next.ID != doc.ID {
		t.Fatalf("expected document ready after backoff, got %#v", next)
	}
}
