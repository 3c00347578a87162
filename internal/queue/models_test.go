package queue_test

import (
	"testing"

	"docflow/internal/queue"
)

func TestParseStatus(t *testing.T) {
	cases := []struct {
		input string
		want  queue.Status
		ok    bool
	}{
		{"pending", queue.StatusPending, true},
		{"  NEEDS_REVIEW  ", queue.StatusNeedsReview, true},
		{"Completed", queue.StatusCompleted, true},
		{"", "", false},
		{"bogus", "bogus", false},
	}
	for _, tc := range cases {
		got, ok := queue.ParseStatus(tc.input)
		if ok != tc.ok {
			t.Fatalf("ParseStatus(%q) ok = %v, want %v", tc.input, ok, tc.ok)
		}
		if ok && got != tc.want {
			t.Fatalf("ParseStatus(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}

func TestStatusTerminality(t *testing.T) {
	terminal := []queue.Status{queue.StatusCompleted, queue.StatusNeedsReview, queue.StatusFailed}
	for _, status := range terminal {
		if !status.IsTerminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
		if queue.IsProcessingStatus(status) {
			t.Fatalf("expected %s not to count as processing", status)
		}
	}
	processing := []queue.Status{
		queue.StatusPreprocessing,
		queue.StatusRecognizing,
		queue.StatusClassifying,
		queue.StatusExtracting,
	}
	for _, status := range processing {
		if status.IsTerminal() {
			t.Fatalf("expected %s not to be terminal", status)
		}
		if !queue.IsProcessingStatus(status) {
			t.Fatalf("expected %s to count as processing", status)
		}
	}
	if queue.StatusPending.IsTerminal() || queue.IsProcessingStatus(queue.StatusPending) {
		t.Fatal("pending should be neither terminal nor processing")
	}
}

func TestErrorLogAppendOnly(t *testing.T) {
	doc := &queue.Document{}
	if err := doc.AppendError(queue.ErrorEntry{Stage: "recognize", Kind: "timeout", Message: "first", Attempt: 1, Generation: 1}); err != nil {
		t.Fatalf("AppendError failed: %v", err)
	}
	if err := doc.AppendError(queue.ErrorEntry{Stage: "recognize", Kind: "transient", Message: "second", Attempt: 2, Generation: 1}); err != nil {
		t.Fatalf("AppendError failed: %v", err)
	}

	entries, err := doc.ErrorLog()
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "first" || entries[1].Message != "second" {
		t.Fatalf("entries out of order: %#v", entries)
	}
	if entries[0].At.IsZero() {
		t.Fatal("expected timestamp to be filled in")
	}
}

func TestResetForAttemptKeepsErrorLog(t *testing.T) {
	doc := &queue.Document{DocumentType: "invoice", ReviewReason: "low confidence"}
	doc.SetConfidence(0.9)
	if err := doc.SetExtractedFields(map[string]any{"total": 12.5}); err != nil {
		t.Fatalf("SetExtractedFields failed: %v", err)
	}
	if err := doc.SetStageOutputs(queue.StageOutputs{Preprocess: &queue.PreprocessOutput{CleanPath: "/tmp/x.png"}}); err != nil {
		t.Fatalf("SetStageOutputs failed: %v", err)
	}
	if err := doc.AppendError(queue.ErrorEntry{Stage: "extract", Kind: "transient", Message: "boom", Attempt: 1, Generation: 1}); err != nil {
		t.Fatalf("AppendError failed: %v", err)
	}

	doc.ResetForAttempt()

	if doc.Confidence != nil || doc.DocumentType != "" || doc.ExtractedFieldsJSON != "" ||
		doc.StageOutputsJSON != "" || doc.ReviewReason != "" || doc.CompletedAt != nil {
		t.Fatalf("attempt state not cleared: %#v", doc)
	}
	entries, err := doc.ErrorLog()
	if err != nil {
		t.Fatalf("ErrorLog failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("error log should survive reset, got %d entries", len(entries))
	}
}

func TestStageOutputsRoundTrip(t *testing.T) {
	doc := &queue.Document{}
	outputs := queue.StageOutputs{
		Recognize: &queue.RecognizeOutput{
			Text:       "INVOICE #42",
			Confidence: 0.91,
			Regions:    []queue.Region{{Text: "INVOICE #42", Confidence: 0.91}},
		},
		Classify: &queue.ClassifyOutput{Type: "invoice", Confidence: 0.8},
	}
	if err := doc.SetStageOutputs(outputs); err != nil {
		t.Fatalf("SetStageOutputs failed: %v", err)
	}
	decoded, err := doc.StageOutputs()
	if err != nil {
		t.Fatalf("StageOutputs failed: %v", err)
	}
	if decoded.Recognize == nil || decoded.Recognize.Text != "INVOICE #42" {
		t.Fatalf("unexpected recognize output: %#v", decoded.Recognize)
	}
	if decoded.Classify == nil || decoded.Classify.Type != "invoice" {
		t.Fatalf("unexpected classify output: %#v", decoded.Classify)
	}
	if decoded.Preprocess != nil || decoded.Extract != nil {
		t.Fatalf("unset stages should stay nil: %#v", decoded)
	}
}
