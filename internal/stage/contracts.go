package stage

import (
	"context"

	"docflow/internal/queue"
)

// Stage names as recorded in error logs and structured logging.
const (
	NamePreprocess = "preprocess"
	NameRecognize  = "recognize"
	NameClassify   = "classify"
	NameExtract    = "extract"
)

// Preprocessor cleans a raw document image for recognition.
type Preprocessor interface {
	Clean(ctx context.Context, sourcePath string) (queue.PreprocessOutput, error)
	HealthCheck(ctx context.Context) Health
}

// Recognizer extracts text and per-region confidences from a cleaned image.
type Recognizer interface {
	Recognize(ctx context.Context, imagePath string) (queue.RecognizeOutput, error)
	HealthCheck(ctx context.Context) Health
}

// Classifier assigns a document type based on recognized text.
type Classifier interface {
	Classify(ctx context.Context, text string) (queue.ClassifyOutput, error)
	HealthCheck(ctx context.Context) Health
}

// Extractor pulls structured fields out of recognized text for a known
// document type.
type Extractor interface {
	Extract(ctx context.Context, documentType, text string) (queue.ExtractOutput, error)
	HealthCheck(ctx context.Context) Health
}
