package extract_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/stages/extract"
	"docflow/internal/testsupport"
)

func completionResponse(content string) string {
	body := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	encoded, _ := json.Marshal(body)
	return string(encoded)
}

func newExtractor(t *testing.T, handler http.HandlerFunc) (*extract.Extractor, *config.Config) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t)
	cfg.LLM.BaseURL = server.URL
	return extract.New(cfg, logging.NewNop()), cfg
}

func TestExtractInvoiceFields(t *testing.T) {
	var gotAuth string
	e, _ := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionResponse(
			`{"invoice_number": "INV-42", "total": "108.25", "vendor": "ACME", "invoice_date": "2024-03-01"}`)))
	})

	out, err := e.Extract(context.Background(), "invoice", "INVOICE #42 total due 108.25")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if gotAuth != "Bearer test" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if out.Fields["invoice_number"] != "INV-42" || out.Fields["total"] != "108.25" {
		t.Fatalf("unexpected fields: %#v", out.Fields)
	}
	if out.Model == "" {
		t.Fatal("expected model recorded on output")
	}
}

func TestExtractSchemaViolationIsPermanent(t *testing.T) {
	e, _ := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		// total must be a decimal string and invoice_number is required.
		_, _ = w.Write([]byte(completionResponse(`{"total": 108.25}`)))
	})

	_, err := e.Extract(context.Background(), "invoice", "whatever")
	if !errors.Is(err, services.ErrInvalidOutput) {
		t.Fatalf("expected invalid output marker, got %v", err)
	}
	if services.IsRecoverable(err) {
		t.Fatal("schema violations must be unrecoverable")
	}
}

func TestExtractNonJSONContentIsPermanent(t *testing.T) {
	e, _ := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completionResponse("I could not parse this document, sorry!")))
	})

	_, err := e.Extract(context.Background(), "invoice", "whatever")
	if !errors.Is(err, services.ErrInvalidOutput) {
		t.Fatalf("expected invalid output marker, got %v", err)
	}
}

func TestExtractServerErrorIsRetryable(t *testing.T) {
	e, _ := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := e.Extract(context.Background(), "invoice", "whatever")
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !services.IsRecoverable(err) {
		t.Fatal("server errors must be recoverable")
	}
}

func TestExtractRateLimitIsRetryable(t *testing.T) {
	e, _ := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := e.Extract(context.Background(), "receipt", "whatever")
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
}

func TestExtractBadRequestIsRetryableToolError(t *testing.T) {
	e, _ := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	_, err := e.Extract(context.Background(), "receipt", "whatever")
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool marker, got %v", err)
	}
}

func TestExtractWithoutAPIKey(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.LLM.APIKey = ""
	e := extract.New(cfg, logging.NewNop())

	_, err := e.Extract(context.Background(), "invoice", "whatever")
	if !errors.Is(err, services.ErrUnavailable) {
		t.Fatalf("expected unavailable marker, got %v", err)
	}
	if health := e.HealthCheck(context.Background()); health.Ready {
		t.Fatal("expected unhealthy without API key")
	}
}

func TestExtractUnknownTypeUsesPermissiveSchema(t *testing.T) {
	e, _ := newExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completionResponse(`{"anything": "goes", "nested": {"n": 1}}`)))
	})

	out, err := e.Extract(context.Background(), "unknown", "mystery text")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if out.Fields["anything"] != "goes" {
		t.Fatalf("unexpected fields: %#v", out.Fields)
	}
}

func TestFieldSchemaRejectsExtraInvoiceFields(t *testing.T) {
	schema := extract.FieldSchema("invoice")
	err := extract.ValidateAgainstSchema(schema,
		[]byte(`{"invoice_number": "X", "total": "1.00", "bogus_field": true}`))
	if err == nil {
		t.Fatal("expected additionalProperties violation")
	}
}
