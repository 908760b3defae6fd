package model

import (
	"encoding/json"
	"testing"
)

func TestFromAnyClassification(t *testing.T) {
	cases := []struct {
		name string
		in   any
		kind ValueKind
	}{
		{"string", "hello", KindText},
		{"iso date", "2024-05-01", KindDate},
		{"rfc3339", "2024-05-01T10:30:00Z", KindDate},
		{"number", float64(42.5), KindNumber},
		{"bool", true, KindBool},
		{"array", []any{"a", "b"}, KindArray},
		{"object", map[string]any{"k": "v"}, KindObject},
		{"nil", nil, KindText},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FromAny(tc.in)
			if got.Kind != tc.kind {
				t.Errorf("FromAny(%v).Kind = %d, want %d", tc.in, got.Kind, tc.kind)
			}
		})
	}
}

func TestFromAnyDateKeepsOriginalText(t *testing.T) {
	v := FromAny("2024-05-01")
	if v.Kind != KindDate {
		t.Fatalf("expected date kind, got %d", v.Kind)
	}
	if v.Text != "2024-05-01" {
		t.Errorf("expected original text preserved, got %q", v.Text)
	}
	if v.Date.Year() != 2024 || int(v.Date.Month()) != 5 {
		t.Errorf("parsed date wrong: %v", v.Date)
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	raw := `{"invoice_number":"INV-001","total":123.45,"paid":false,"items":["a","b"]}`

	var fields map[string]Value
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if fields["invoice_number"].Kind != KindText {
		t.Errorf("invoice_number should be text")
	}
	if fields["total"].Kind != KindNumber || fields["total"].Number != 123.45 {
		t.Errorf("total wrong: %+v", fields["total"])
	}
	if fields["paid"].Kind != KindBool || fields["paid"].Bool {
		t.Errorf("paid wrong: %+v", fields["paid"])
	}
	if fields["items"].Kind != KindArray || len(fields["items"].Array) != 2 {
		t.Errorf("items wrong: %+v", fields["items"])
	}

	out, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back map[string]any
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if back["invoice_number"] != "INV-001" {
		t.Errorf("invoice_number lost: %v", back["invoice_number"])
	}
	if back["total"] != 123.45 {
		t.Errorf("total lost: %v", back["total"])
	}
}

func TestCellString(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want string
	}{
		{"text", Value{Kind: KindText, Text: "abc"}, "abc"},
		{"number trims zeros", Value{Kind: KindNumber, Number: 12.5}, "12.5"},
		{"integer number", Value{Kind: KindNumber, Number: 100}, "100"},
		{"bool true", Value{Kind: KindBool, Bool: true}, "TRUE"},
		{"bool false", Value{Kind: KindBool, Bool: false}, "FALSE"},
		{"date keeps text", Value{Kind: KindDate, Text: "2024-05-01"}, "2024-05-01"},
		{
			"array flattens to json",
			Value{Kind: KindArray, Array: []Value{{Kind: KindText, Text: "x"}}},
			`["x"]`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.v.CellString(); got != tc.want {
				t.Errorf("CellString() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsMissing(t *testing.T) {
	if !(Value{Kind: KindText, Text: "N/A"}).IsMissing() {
		t.Error("N/A sentinel should be missing")
	}
	if !(Value{Kind: KindText, Text: ""}).IsMissing() {
		t.Error("empty text should be missing")
	}
	if (Value{Kind: KindText, Text: "x"}).IsMissing() {
		t.Error("non-empty text should not be missing")
	}
	if (Value{Kind: KindNumber, Number: 0}).IsMissing() {
		t.Error("zero number is a real value, not missing")
	}
}
