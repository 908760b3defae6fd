package model

// FieldType enumerates the types a schema field may declare
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldNumber  FieldType = "number"
	FieldDate    FieldType = "date"
	FieldBoolean FieldType = "boolean"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
)

// SchemaField describes one field an extractor should attempt to populate
type SchemaField struct {
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
}

// Schema is a named, typed description of the fields to extract from a
// document. Immutable at runtime.
type Schema struct {
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	Fields         map[string]SchemaField `json:"fields"`
	RequiredFields []string               `json:"required_fields"`
}

// SchemaDetection is the result of sampling a page image to guess which
// schema fits the document
type SchemaDetection struct {
	SchemaName      string                 `json:"schema_name"`
	Confidence      float64                `json:"confidence"`
	SuggestedFields map[string]SchemaField `json:"suggested_fields,omitempty"`
}
