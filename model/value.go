package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ValueKind tags the variants of an extracted value
type ValueKind int

const (
	KindText ValueKind = iota
	KindNumber
	KindDate
	KindBool
	KindArray
	KindObject
)

// Value is the typed representation of one extracted field. Vision models
// return loose JSON; Value pins each leaf to a concrete kind so that merging,
// persistence and workbook cell typing all agree on what a value is.
type Value struct {
	Kind   ValueKind
	Text   string
	Number float64
	Date   time.Time
	Bool   bool
	Array  []Value
	Object map[string]Value
}

// Date layouts accepted when classifying strings. ISO-8601 first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
}

// FromAny classifies a json.Unmarshal-ed value into a Value
func FromAny(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Value{Kind: KindText, Text: ""}
	case bool:
		return Value{Kind: KindBool, Bool: v}
	case float64:
		return Value{Kind: KindNumber, Number: v}
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return Value{Kind: KindText, Text: v.String()}
		}
		return Value{Kind: KindNumber, Number: f}
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return Value{Kind: KindDate, Date: t, Text: v}
			}
		}
		return Value{Kind: KindText, Text: v}
	case []any:
		arr := make([]Value, 0, len(v))
		for _, item := range v {
			arr = append(arr, FromAny(item))
		}
		return Value{Kind: KindArray, Array: arr}
	case map[string]any:
		obj := make(map[string]Value, len(v))
		for k, item := range v {
			obj[k] = FromAny(item)
		}
		return Value{Kind: KindObject, Object: obj}
	default:
		return Value{Kind: KindText, Text: fmt.Sprintf("%v", v)}
	}
}

// ToAny converts back to the plain shape encoding/json produces
func (v Value) ToAny() any {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return v.Number
	case KindDate:
		if v.Text != "" {
			return v.Text
		}
		return v.Date.Format("2006-01-02")
	case KindBool:
		return v.Bool
	case KindArray:
		arr := make([]any, 0, len(v.Array))
		for _, item := range v.Array {
			arr = append(arr, item.ToAny())
		}
		return arr
	case KindObject:
		obj := make(map[string]any, len(v.Object))
		for k, item := range v.Object {
			obj[k] = item.ToAny()
		}
		return obj
	}
	return nil
}

// MarshalJSON emits the canonical JSON form (object keys sorted, dates as
// their original ISO text)
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON classifies arbitrary JSON into the union
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// CellString renders the value as workbook cell text. Arrays and objects
// flatten to their JSON textual representation.
func (v Value) CellString() string {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v.Number), "0"), ".")
	case KindDate:
		if v.Text != "" {
			return v.Text
		}
		return v.Date.Format("2006-01-02")
	case KindBool:
		if v.Bool {
			return "TRUE"
		}
		return "FALSE"
	case KindArray, KindObject:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return ""
}

// IsMissing reports whether the value is empty or the model's N/A sentinel
func (v Value) IsMissing() bool {
	return v.Kind == KindText && (v.Text == "" || v.Text == "N/A")
}

// SortedKeys returns the object keys in lexical order
func (v Value) SortedKeys() []string {
	keys := make([]string, 0, len(v.Object))
	for k := range v.Object {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
