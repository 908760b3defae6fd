package utils

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestExtractJSONPlainObject(t *testing.T) {
	got, err := ExtractJSON(`{"fields": {"total": 10}}`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !json.Valid([]byte(got)) {
		t.Errorf("extracted text is not valid JSON: %q", got)
	}
}

func TestExtractJSONFromMarkdownFence(t *testing.T) {
	response := "Here is the extraction:\n```json\n{\"invoice_number\": \"INV-001\"}\n```\nLet me know if you need anything else."

	got, err := ExtractJSON(response)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	var parsed map[string]string
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["invoice_number"] != "INV-001" {
		t.Errorf("invoice_number = %q", parsed["invoice_number"])
	}
}

func TestExtractJSONEmbeddedInProse(t *testing.T) {
	response := `The document contains {"total": 42.5, "vendor": "ACME"} as requested.`

	got, err := ExtractJSON(response)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["total"] != 42.5 {
		t.Errorf("total = %v", parsed["total"])
	}
}

func TestExtractJSONArray(t *testing.T) {
	got, err := ExtractJSON(`Results: ["a", "b", "c"]`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	var arr []string
	if err := json.Unmarshal([]byte(got), &arr); err != nil || len(arr) != 3 {
		t.Errorf("array extraction failed: %q (%v)", got, err)
	}
}

func TestExtractJSONNoneFound(t *testing.T) {
	if _, err := ExtractJSON("I could not read the page, sorry."); !errors.Is(err, ErrNoJSONFound) {
		t.Errorf("got %v, want ErrNoJSONFound", err)
	}
}

func TestExtractJSONNestedBraces(t *testing.T) {
	response := `{"fields": {"customer": {"name": "Jo \"J\" Smith"}}, "confidence": {"customer": 0.8}}`

	got, err := ExtractJSON(response)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	var parsed struct {
		Fields struct {
			Customer struct {
				Name string `json:"name"`
			} `json:"customer"`
		} `json:"fields"`
	}
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Fields.Customer.Name != `Jo "J" Smith` {
		t.Errorf("name = %q, escaped quotes mishandled", parsed.Fields.Customer.Name)
	}
}

func TestExtractJSONTo(t *testing.T) {
	var target struct {
		SchemaName string  `json:"schema_name"`
		Confidence float64 `json:"confidence"`
	}

	response := "```json\n{\"schema_name\": \"invoice\", \"confidence\": 0.9}\n```"
	if err := ExtractJSONTo(response, &target); err != nil {
		t.Fatalf("ExtractJSONTo: %v", err)
	}
	if target.SchemaName != "invoice" || target.Confidence != 0.9 {
		t.Errorf("target = %+v", target)
	}
}
