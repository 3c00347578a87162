// Package classify assigns a document type from recognized text using
// keyword, phrase, and structural-pattern scoring. Classification runs fully
// in-process; a document no pattern matches is labeled unknown rather than
// failed.
package classify

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/stage"
)

// Document type labels.
const (
	TypeInvoice        = "invoice"
	TypeReceipt        = "receipt"
	TypeMedical        = "medical"
	TypeLegal          = "legal"
	TypeFinancial      = "financial"
	TypeIdentity       = "identity"
	TypeCorrespondence = "correspondence"
	TypeUnknown        = "unknown"
)

var keywordPatterns = map[string][]string{
	TypeInvoice: {
		"invoice", "bill to", "ship to", "subtotal", "amount due",
		"payment terms", "due date", "invoice number", "invoice date",
		"purchase order", "po number", "quantity", "unit price",
		"line total", "balance due", "remit to",
	},
	TypeReceipt: {
		"receipt", "transaction", "paid", "cash", "credit card",
		"debit", "change", "subtotal", "thank you", "store",
		"cashier", "transaction id", "authorization",
	},
	TypeMedical: {
		"patient", "diagnosis", "prescription", "medication", "doctor",
		"physician", "hospital", "clinic", "treatment", "dosage",
		"medical record", "symptom", "lab result", "vital signs",
		"insurance", "copay",
	},
	TypeLegal: {
		"agreement", "contract", "hereby", "whereas", "party",
		"witness", "notary", "attorney", "court", "plaintiff",
		"defendant", "jurisdiction", "liability", "indemnify",
		"terms and conditions", "effective date", "termination",
		"governing law", "arbitration",
	},
	TypeFinancial: {
		"account", "balance", "statement", "deposit", "withdrawal",
		"interest", "dividend", "portfolio", "investment", "bank",
		"fiscal", "revenue", "expense", "profit", "quarterly",
		"annual report", "income", "assets",
	},
	TypeIdentity: {
		"passport", "driver license", "id card", "social security",
		"birth certificate", "nationality", "citizenship",
		"date of birth", "place of birth", "expiry date", "issue date",
		"id number", "identification", "member id", "group number",
		"surname", "given names",
	},
	TypeCorrespondence: {
		"dear", "sincerely", "regards", "letter", "memo", "subject",
		"please find", "enclosed", "response", "inquiry", "follow up",
		"thank you for", "looking forward",
	},
}

var strongIndicators = map[string][]string{
	TypeInvoice:        {"invoice number", "invoice date", "amount due"},
	TypeReceipt:        {"transaction id", "receipt"},
	TypeMedical:        {"diagnosis", "prescription", "patient name"},
	TypeLegal:          {"hereby", "whereas", "witnesseth"},
	TypeFinancial:      {"account statement", "portfolio summary"},
	TypeIdentity:       {"passport", "driver license", "member id"},
	TypeCorrespondence: {"dear sir", "dear madam", "to whom it may concern"},
}

var structuralPatterns = map[string][]*regexp.Regexp{
	TypeInvoice: {
		regexp.MustCompile(`(?i)invoice\s*(?:no|#)\s*[:.]?\s*[\w-]+`),
		regexp.MustCompile(`(?i)due\s*date\s*[:.]?\s*\d{1,2}[/-]\d{1,2}[/-]\d{2,4}`),
	},
	TypeIdentity: {
		regexp.MustCompile(`P<[A-Z]{3}[\w<]+`),
		regexp.MustCompile(`(?i)(?:DL|LIC|ID)\s*[:#]\s*[A-Z0-9-]{5,}`),
		regexp.MustCompile(`(?i)(?:member|subscriber)\s*id\s*[:#]?\s*[A-Z0-9]{5,}`),
	},
}

// wordBoundary matches are precompiled per keyword on first use.
var keywordRegexps = func() map[string]*regexp.Regexp {
	compiled := make(map[string]*regexp.Regexp)
	for _, keywords := range keywordPatterns {
		for _, keyword := range keywords {
			if _, ok := compiled[keyword]; ok {
				continue
			}
			compiled[keyword] = regexp.MustCompile(`\b` + regexp.QuoteMeta(keyword) + `\b`)
		}
	}
	return compiled
}()

// Classifier scores recognized text against the per-type patterns.
type Classifier struct {
	minConfidence float64
	logger        *slog.Logger
}

// New constructs a Classifier from configuration.
func New(cfg *config.Config, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Classifier{
		minConfidence: cfg.Classifier.MinConfidence,
		logger:        logging.NewComponentLogger(logger, "classify"),
	}
}

// Classify assigns a document type. Text that matches nothing comes back as
// unknown with zero confidence; that is a valid result, not an error.
func (c *Classifier) Classify(ctx context.Context, text string) (queue.ClassifyOutput, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return queue.ClassifyOutput{Type: TypeUnknown, Confidence: 0}, nil
	}

	normalized := strings.ToLower(trimmed)
	header := headerSlice(normalized)

	scores := make(map[string]float64, len(keywordPatterns))
	for docType, keywords := range keywordPatterns {
		score := keywordScore(normalized, header, keywords)
		score += indicatorScore(normalized, strongIndicators[docType])
		score += structuralScore(trimmed, structuralPatterns[docType])
		scores[docType] = score
	}

	bestType, bestScore := TypeUnknown, 0.0
	total := 0.0
	for docType, score := range scores {
		total += score
		if score > bestScore {
			bestType, bestScore = docType, score
		}
	}
	if bestScore == 0 {
		return queue.ClassifyOutput{Type: TypeUnknown, Confidence: 0}, nil
	}

	confidence := calibrate(bestScore/total, bestScore)
	if confidence < c.minConfidence {
		bestType = TypeUnknown
	}

	c.logger.Debug("document classified",
		logging.String("document_type", bestType),
		logging.Float64("confidence", confidence))
	return queue.ClassifyOutput{Type: bestType, Confidence: confidence}, nil
}

// HealthCheck always reports ready; classification has no external dependency.
func (c *Classifier) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy(stage.NameClassify)
}

func keywordScore(normalized, header string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	var score float64
	weight := 2.0 / float64(len(keywords))
	for _, keyword := range keywords {
		count := len(keywordRegexps[keyword].FindAllStringIndex(normalized, 3))
		if count == 0 {
			continue
		}
		score += float64(count) * weight
		// Keywords in the document header carry more signal.
		if strings.Contains(header, keyword) {
			score += 0.5
		}
	}
	return score
}

func indicatorScore(normalized string, indicators []string) float64 {
	var score float64
	for _, indicator := range indicators {
		if strings.Contains(normalized, indicator) {
			score += 3.0
		}
	}
	return score
}

func structuralScore(text string, patterns []*regexp.Regexp) float64 {
	var score float64
	for _, pattern := range patterns {
		if matches := pattern.FindAllStringIndex(text, -1); len(matches) > 0 {
			score += 3.0 + float64(len(matches))*0.5
		}
	}
	return math.Min(score, 10.0)
}

func headerSlice(normalized string) string {
	cutoff := len(normalized) / 5
	if cutoff == 0 {
		cutoff = len(normalized)
	}
	return normalized[:cutoff]
}

// calibrate blends the relative score share with an absolute score factor and
// squashes the result through a sigmoid so mid-range scores stay conservative.
func calibrate(share, best float64) float64 {
	if best <= 0 {
		return 0
	}
	if best > 8.0 {
		return 1.0
	}
	factor := math.Min(best/6.0, 1.0)
	blended := share*0.5 + factor*0.5
	calibrated := 1.0 / (1.0 + math.Exp(-10.0*(blended-0.5)))
	return math.Min(math.Max(calibrated, 0.0), 1.0)
}

// Types returns the known document type labels, unknown excluded.
func Types() []string {
	return []string{
		TypeInvoice,
		TypeReceipt,
		TypeMedical,
		TypeLegal,
		TypeFinancial,
		TypeIdentity,
		TypeCorrespondence,
	}
}
