package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers classifying stage failures. Recoverable markers feed the
// retry policy; unrecoverable markers fail the document immediately.
var (
	// Recoverable: worth another full pipeline attempt.
	ErrTimeout      = errors.New("timeout")
	ErrTransient    = errors.New("transient failure")
	ErrExternalTool = errors.New("external tool error")
	ErrUnavailable  = errors.New("dependency unavailable")

	// Unrecoverable: retrying cannot help.
	ErrUnsupportedInput = errors.New("unsupported input")
	ErrCorruptInput     = errors.New("corrupt input")
	ErrInvalidOutput    = errors.New("invalid stage output")
)

// Kind is the coarse classification persisted into a document's error log.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindTransient        Kind = "transient"
	KindExternalTool     Kind = "external_tool"
	KindUnavailable      Kind = "unavailable"
	KindUnsupportedInput Kind = "unsupported_input"
	KindCorruptInput     Kind = "corrupt_input"
	KindInvalidOutput    Kind = "invalid_output"
	KindUnknown          Kind = "unknown"
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps a stage error onto its taxonomy kind. Context deadline errors
// count as timeouts even when a stage forgot to tag them.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrExternalTool):
		return KindExternalTool
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrUnsupportedInput):
		return KindUnsupportedInput
	case errors.Is(err, ErrCorruptInput):
		return KindCorruptInput
	case errors.Is(err, ErrInvalidOutput):
		return KindInvalidOutput
	default:
		return KindUnknown
	}
}

// IsRecoverable reports whether a stage failure should feed the retry policy.
// Untagged errors are treated as recoverable so a stage bug never burns a
// document without exhausting its attempts first.
func IsRecoverable(err error) bool {
	switch Classify(err) {
	case KindUnsupportedInput, KindCorruptInput, KindInvalidOutput:
		return false
	default:
		return true
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "stage failure"
	}
	return strings.Join(parts, ": ")
}
