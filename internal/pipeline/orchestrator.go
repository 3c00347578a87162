package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/services"
	"docflow/internal/stage"
)

// Orchestrator runs the document pipeline against the shared store.
type Orchestrator struct {
	cfg    *config.Config
	store  *queue.Store
	logger *slog.Logger

	preprocessor stage.Preprocessor
	recognizer   stage.Recognizer
	classifier   stage.Classifier
	extractor    stage.Extractor
}

// NewOrchestrator wires the four stage implementations to the store.
func NewOrchestrator(
	cfg *config.Config,
	store *queue.Store,
	logger *slog.Logger,
	preprocessor stage.Preprocessor,
	recognizer stage.Recognizer,
	classifier stage.Classifier,
	extractor stage.Extractor,
) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		cfg:          cfg,
		store:        store,
		logger:       logging.NewComponentLogger(logger, "pipeline"),
		preprocessor: preprocessor,
		recognizer:   recognizer,
		classifier:   classifier,
		extractor:    extractor,
	}
}

// HealthCheck reports the readiness of every registered stage.
func (o *Orchestrator) HealthCheck(ctx context.Context) []stage.Health {
	return []stage.Health{
		o.preprocessor.HealthCheck(ctx),
		o.recognizer.HealthCheck(ctx),
		o.classifier.HealthCheck(ctx),
		o.extractor.HealthCheck(ctx),
	}
}

// ProcessJob handles one queue delivery for a document. Deliveries are
// at-least-once: a document that is already terminal or already owned by
// another worker is dropped without effect, so calling this any number of
// times for the same delivery applies the pipeline at most once.
func (o *Orchestrator) ProcessJob(ctx context.Context, documentID int64) error {
	requestID := uuid.NewString()
	ctx = services.WithRequestID(ctx, requestID)
	ctx = services.WithDocumentID(ctx, documentID)
	logger := logging.WithContext(ctx, o.logger)

	doc, err := o.store.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document %d: %w", documentID, err)
	}
	if doc == nil {
		logger.Warn("delivery references unknown document; dropping",
			logging.String(logging.FieldEventType, "unknown_document"))
		return nil
	}
	if doc.Status.IsTerminal() {
		logger.Debug("duplicate delivery for terminal document; dropping",
			logging.String(logging.FieldStatus, string(doc.Status)),
			logging.String(logging.FieldEventType, "duplicate_delivery"))
		return nil
	}
	if doc.Status != queue.StatusPending {
		logger.Debug("document already claimed by another worker; dropping",
			logging.String(logging.FieldStatus, string(doc.Status)),
			logging.String(logging.FieldEventType, "concurrent_owner"))
		return nil
	}

	claimed, err := o.store.ClaimForProcessing(ctx, doc)
	if err != nil {
		return fmt.Errorf("claim document %d: %w", documentID, err)
	}
	if !claimed {
		logger.Debug("lost claim race; dropping",
			logging.String(logging.FieldEventType, "claim_lost"))
		return nil
	}

	logger = logger.With(
		logging.Int(logging.FieldAttempt, doc.AttemptCount),
		logging.Int(logging.FieldGeneration, doc.Generation),
	)
	logger.Info("pipeline attempt started",
		logging.String(logging.FieldEventType, "attempt_start"),
		logging.String("source_path", doc.SourcePath))

	return o.runAttempt(ctx, logger, doc)
}

func (o *Orchestrator) runAttempt(ctx context.Context, logger *slog.Logger, doc *queue.Document) error {
	outputs := queue.StageOutputs{}
	start := time.Now()

	// Preprocess
	preprocessOut, err := o.runPreprocess(ctx, doc)
	if err != nil {
		return o.handleStageFailure(ctx, logger, doc, stage.NamePreprocess, queue.StatusPreprocessing, err)
	}
	outputs.Preprocess = &preprocessOut
	if ok, err := o.advance(ctx, doc, outputs, queue.StatusPreprocessing, queue.StatusRecognizing); !ok {
		return o.handleLostOwnership(logger, stage.NamePreprocess, err)
	}

	// Recognize
	recognizeOut, err := o.runRecognize(ctx, preprocessOut.CleanPath)
	if err != nil {
		return o.handleStageFailure(ctx, logger, doc, stage.NameRecognize, queue.StatusRecognizing, err)
	}
	outputs.Recognize = &recognizeOut
	doc.SetConfidence(recognizeOut.Confidence)
	if ok, err := o.advance(ctx, doc, outputs, queue.StatusRecognizing, queue.StatusClassifying); !ok {
		return o.handleLostOwnership(logger, stage.NameRecognize, err)
	}

	// Classify
	classifyOut, err := o.runClassify(ctx, recognizeOut.Text)
	if err != nil {
		return o.handleStageFailure(ctx, logger, doc, stage.NameClassify, queue.StatusClassifying, err)
	}
	outputs.Classify = &classifyOut
	doc.DocumentType = classifyOut.Type
	if ok, err := o.advance(ctx, doc, outputs, queue.StatusClassifying, queue.StatusExtracting); !ok {
		return o.handleLostOwnership(logger, stage.NameClassify, err)
	}

	// Extract
	extractOut, err := o.runExtract(ctx, doc.DocumentType, recognizeOut.Text)
	if err != nil {
		return o.handleStageFailure(ctx, logger, doc, stage.NameExtract, queue.StatusExtracting, err)
	}
	outputs.Extract = &extractOut
	if err := doc.SetExtractedFields(extractOut.Fields); err != nil {
		return o.handleStageFailure(ctx, logger, doc, stage.NameExtract, queue.StatusExtracting,
			services.Wrap(services.ErrInvalidOutput, stage.NameExtract, "persist fields", "extraction result not serializable", err))
	}

	return o.finishAttempt(ctx, logger, doc, outputs, time.Since(start))
}

// finishAttempt writes the terminal state for a fully executed attempt. Low
// recognition confidence downgrades the outcome to manual review; the
// downgrade is one-way and only applies to successful runs.
func (o *Orchestrator) finishAttempt(ctx context.Context, logger *slog.Logger, doc *queue.Document, outputs queue.StageOutputs, elapsed time.Duration) error {
	if err := doc.SetStageOutputs(outputs); err != nil {
		return o.handleStageFailure(ctx, logger, doc, stage.NameExtract, queue.StatusExtracting,
			services.Wrap(services.ErrInvalidOutput, stage.NameExtract, "persist outputs", "stage outputs not serializable", err))
	}

	threshold := o.cfg.Pipeline.ConfidenceThreshold
	final := queue.StatusCompleted
	if doc.Confidence != nil && *doc.Confidence < threshold {
		final = queue.StatusNeedsReview
		doc.ReviewReason = fmt.Sprintf("confidence %.2f below threshold %.2f", *doc.Confidence, threshold)
	}

	now := time.Now().UTC()
	doc.Status = final
	doc.CompletedAt = &now
	doc.LastHeartbeat = nil

	ok, err := o.store.CompareAndUpdate(ctx, doc, queue.StatusExtracting)
	if err != nil {
		return fmt.Errorf("persist terminal state: %w", err)
	}
	if !ok {
		return o.handleLostOwnership(logger, stage.NameExtract, nil)
	}

	logger.Info("pipeline attempt finished",
		logging.String(logging.FieldEventType, "attempt_complete"),
		logging.String(logging.FieldStatus, string(final)),
		logging.String("document_type", doc.DocumentType),
		logging.Duration("attempt_duration", elapsed))
	return nil
}

// advance persists stage output and moves the document to the next stage
// under the current-stage precondition. A false return means ownership was
// lost to a reclaim or operator action.
func (o *Orchestrator) advance(ctx context.Context, doc *queue.Document, outputs queue.StageOutputs, from, to queue.Status) (bool, error) {
	if err := doc.SetStageOutputs(outputs); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	doc.Status = to
	doc.LastHeartbeat = &now
	ok, err := o.store.CompareAndUpdate(ctx, doc, from)
	if err != nil {
		return false, fmt.Errorf("advance %s to %s: %w", from, to, err)
	}
	return ok, nil
}

func (o *Orchestrator) handleLostOwnership(logger *slog.Logger, stageName string, err error) error {
	if err != nil {
		return err
	}
	logger.Warn("document ownership lost mid-attempt; discarding work",
		logging.String(logging.FieldStage, stageName),
		logging.String(logging.FieldEventType, "ownership_lost"))
	return nil
}

func (o *Orchestrator) runPreprocess(ctx context.Context, doc *queue.Document) (queue.PreprocessOutput, error) {
	ctx, cancel := o.stageContext(ctx, o.cfg.Pipeline.PreprocessTimeout)
	defer cancel()
	return o.preprocessor.Clean(services.WithStage(ctx, stage.NamePreprocess), doc.SourcePath)
}

func (o *Orchestrator) runRecognize(ctx context.Context, imagePath string) (queue.RecognizeOutput, error) {
	ctx, cancel := o.stageContext(ctx, o.cfg.Pipeline.RecognizeTimeout)
	defer cancel()
	return o.recognizer.Recognize(services.WithStage(ctx, stage.NameRecognize), imagePath)
}

func (o *Orchestrator) runClassify(ctx context.Context, text string) (queue.ClassifyOutput, error) {
	ctx, cancel := o.stageContext(ctx, o.cfg.Pipeline.ClassifyTimeout)
	defer cancel()
	return o.classifier.Classify(services.WithStage(ctx, stage.NameClassify), text)
}

func (o *Orchestrator) runExtract(ctx context.Context, documentType, text string) (queue.ExtractOutput, error) {
	ctx, cancel := o.stageContext(ctx, o.cfg.Pipeline.ExtractTimeout)
	defer cancel()
	return o.extractor.Extract(services.WithStage(ctx, stage.NameExtract), documentType, text)
}

func (o *Orchestrator) stageContext(ctx context.Context, timeoutSeconds int) (context.Context, context.CancelFunc) {
	if timeoutSeconds <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
}

// handleStageFailure records the failure and decides between retry with
// backoff, terminal failure on an exhausted budget, and terminal failure for
// unrecoverable errors. Shutdown cancellation is passed through untouched so
// the heartbeat reclaim can recover the document later.
func (o *Orchestrator) handleStageFailure(ctx context.Context, logger *slog.Logger, doc *queue.Document, stageName string, current queue.Status, stageErr error) error {
	if errors.Is(stageErr, context.Canceled) && ctx.Err() != nil {
		logger.Debug("stage interrupted by shutdown",
			logging.String(logging.FieldStage, stageName))
		return stageErr
	}

	kind := services.Classify(stageErr)
	recoverable := services.IsRecoverable(stageErr)
	if err := doc.AppendError(queue.ErrorEntry{
		Stage:      stageName,
		Kind:       string(kind),
		Message:    stageErr.Error(),
		Attempt:    doc.AttemptCount,
		Generation: doc.Generation,
		At:         time.Now().UTC(),
	}); err != nil {
		logger.Error("failed to append error log entry", logging.Error(err))
	}

	attrs := []logging.Attr{
		logging.String(logging.FieldStage, stageName),
		logging.String(logging.FieldErrorKind, string(kind)),
		logging.Error(stageErr),
		logging.String(logging.FieldEventType, "stage_failure"),
	}

	maxAttempts := o.cfg.Pipeline.MaxAttempts
	exhausted := doc.GenerationAttempts >= maxAttempts

	if recoverable && !exhausted {
		delay := backoffDelay(
			time.Duration(o.cfg.Pipeline.RetryBackoffBase)*time.Second,
			time.Duration(o.cfg.Pipeline.RetryBackoffCap)*time.Second,
			doc.GenerationAttempts,
		)
		ok, err := o.store.RollbackForRetry(ctx, doc, current, delay)
		if err != nil {
			return fmt.Errorf("rollback after %s failure: %w", stageName, err)
		}
		if !ok {
			return o.handleLostOwnership(logger, stageName, nil)
		}
		logger.Warn("stage failed; retry scheduled",
			logging.Args(append(attrs,
				logging.Duration("retry_delay", delay),
				logging.Int("attempts_used", doc.GenerationAttempts),
				logging.Int("attempts_max", maxAttempts))...)...)
		return nil
	}

	now := time.Now().UTC()
	doc.Status = queue.StatusFailed
	doc.CompletedAt = &now
	doc.LastHeartbeat = nil
	ok, err := o.store.CompareAndUpdate(ctx, doc, current)
	if err != nil {
		return fmt.Errorf("persist failure after %s: %w", stageName, err)
	}
	if !ok {
		return o.handleLostOwnership(logger, stageName, nil)
	}

	reason := "unrecoverable error"
	if recoverable {
		reason = "attempt budget exhausted"
	}
	logger.Error("stage failed terminally",
		logging.Args(append(attrs,
			logging.String("failure_reason", reason),
			logging.Int("attempts_used", doc.GenerationAttempts),
			logging.Int("attempts_max", maxAttempts))...)...)
	return nil
}
