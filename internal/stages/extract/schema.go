package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FieldSchema returns the JSON Schema (draft 2020-12 subset) constraining the
// extraction output for a document type. Types without a dedicated schema get
// a permissive object schema so extraction still yields usable fields.
func FieldSchema(documentType string) map[string]any {
	switch documentType {
	case "invoice":
		return objectSchema(map[string]any{
			"invoice_number": map[string]any{"type": "string", "minLength": 1},
			"invoice_date":   dateProp(),
			"due_date":       dateProp(),
			"vendor":         map[string]any{"type": "string"},
			"bill_to":        map[string]any{"type": "string"},
			"subtotal":       decimalProp(),
			"tax":            decimalProp(),
			"total":          decimalProp(),
			"currency_code":  currencyProp(),
		}, []string{"invoice_number", "total"})
	case "receipt":
		return objectSchema(map[string]any{
			"merchant_name":  map[string]any{"type": "string", "minLength": 1},
			"tx_date":        dateProp(),
			"subtotal":       decimalProp(),
			"tax":            decimalProp(),
			"tip":            decimalProp(),
			"total":          decimalProp(),
			"currency_code":  currencyProp(),
			"payment_method": map[string]any{"type": "string"},
		}, []string{"merchant_name", "total"})
	case "medical":
		return objectSchema(map[string]any{
			"patient_name":  map[string]any{"type": "string"},
			"provider":      map[string]any{"type": "string"},
			"date":          dateProp(),
			"diagnosis":     map[string]any{"type": "string"},
			"medications":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"facility":      map[string]any{"type": "string"},
			"insurance_id":  map[string]any{"type": "string"},
			"total_charges": decimalProp(),
		}, nil)
	case "legal":
		return objectSchema(map[string]any{
			"title":          map[string]any{"type": "string"},
			"parties":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"effective_date": dateProp(),
			"expiration":     dateProp(),
			"governing_law":  map[string]any{"type": "string"},
		}, nil)
	case "financial":
		return objectSchema(map[string]any{
			"institution":     map[string]any{"type": "string"},
			"account_number":  map[string]any{"type": "string"},
			"period_start":    dateProp(),
			"period_end":      dateProp(),
			"opening_balance": decimalProp(),
			"closing_balance": decimalProp(),
			"currency_code":   currencyProp(),
		}, nil)
	case "identity":
		return objectSchema(map[string]any{
			"full_name":       map[string]any{"type": "string"},
			"document_number": map[string]any{"type": "string"},
			"date_of_birth":   dateProp(),
			"issue_date":      dateProp(),
			"expiry_date":     dateProp(),
			"issuer":          map[string]any{"type": "string"},
			"nationality":     map[string]any{"type": "string"},
		}, nil)
	case "correspondence":
		return objectSchema(map[string]any{
			"sender":    map[string]any{"type": "string"},
			"recipient": map[string]any{"type": "string"},
			"date":      dateProp(),
			"subject":   map[string]any{"type": "string"},
			"summary":   map[string]any{"type": "string"},
		}, nil)
	default:
		return map[string]any{"type": "object"}
	}
}

func objectSchema(props map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func dateProp() map[string]any {
	return map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`}
}

func decimalProp() map[string]any {
	return map[string]any{"type": "string", "pattern": `^-?\d+(\.\d{1,2})?$`}
}

func currencyProp() map[string]any {
	return map[string]any{"type": "string", "minLength": 3, "maxLength": 3}
}

// ValidateAgainstSchema validates data against the schema map.
func ValidateAgainstSchema(schemaMap map[string]any, data []byte) error {
	encoded, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(encoded)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
