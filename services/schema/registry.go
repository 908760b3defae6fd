package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/docpipe/docpipe/model"
	"github.com/docpipe/docpipe/services/vision"
)

// ErrSchemaNotFound is returned when a schema name is not registered
var ErrSchemaNotFound = errors.New("schema not found")

// GenericName is the fallback schema used when detection is not confident
const GenericName = "generic"

// MinDetectionConfidence is the threshold below which detection falls back to
// the generic schema. A confidence of exactly the threshold keeps the
// detected schema.
const MinDetectionConfidence = 0.5

// Registry holds the built-in extraction schemas. Read-only at runtime; a
// new schema is a code deployment.
type Registry struct {
	schemas map[string]model.Schema
	vision  vision.Extractor
}

func NewRegistry(visionClient vision.Extractor) *Registry {
	r := &Registry{
		schemas: make(map[string]model.Schema),
		vision:  visionClient,
	}
	for _, s := range builtinSchemas() {
		r.schemas[s.Name] = s
	}
	return r
}

// List returns all registered schemas sorted by name
func (r *Registry) List() []model.Schema {
	out := make([]model.Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named schema
func (r *Registry) Get(name string) (model.Schema, error) {
	s, ok := r.schemas[name]
	if !ok {
		return model.Schema{}, fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
	}
	return s, nil
}

// Detect samples one page image and resolves the schema to extract with.
// Detection below the confidence threshold falls back to the generic schema.
// The hint, when non-empty, is a caller-supplied description of the document.
func (r *Registry) Detect(ctx context.Context, pageImage []byte, hint string) (model.Schema, *model.SchemaDetection, error) {
	detection, err := r.vision.DetectSchema(ctx, pageImage, hint, r.List())
	if err != nil {
		return model.Schema{}, nil, err
	}

	if detection.Confidence < MinDetectionConfidence {
		generic := r.schemas[GenericName]
		return generic, detection, nil
	}

	detected, ok := r.schemas[detection.SchemaName]
	if !ok {
		detected = r.schemas[GenericName]
	}
	return detected, detection, nil
}

func builtinSchemas() []model.Schema {
	return []model.Schema{
		{
			Name:        "invoice",
			Description: "Standard invoice data extraction",
			Fields: map[string]model.SchemaField{
				"invoice_number":   {Type: model.FieldText, Description: "Invoice number"},
				"invoice_date":     {Type: model.FieldDate, Description: "Invoice date"},
				"due_date":         {Type: model.FieldDate, Description: "Payment due date"},
				"vendor_name":      {Type: model.FieldText, Description: "Vendor/supplier name"},
				"vendor_address":   {Type: model.FieldText, Description: "Vendor address"},
				"customer_name":    {Type: model.FieldText, Description: "Customer name"},
				"customer_address": {Type: model.FieldText, Description: "Customer address"},
				"subtotal":         {Type: model.FieldNumber, Description: "Subtotal amount"},
				"tax":              {Type: model.FieldNumber, Description: "Tax amount"},
				"total":            {Type: model.FieldNumber, Description: "Total amount"},
				"line_items":       {Type: model.FieldArray, Description: "Invoice line items"},
			},
			RequiredFields: []string{"invoice_number", "invoice_date", "vendor_name", "total"},
		},
		{
			Name:        "receipt",
			Description: "Receipt data extraction",
			Fields: map[string]model.SchemaField{
				"store_name":       {Type: model.FieldText, Description: "Store name"},
				"store_address":    {Type: model.FieldText, Description: "Store address"},
				"transaction_date": {Type: model.FieldDate, Description: "Transaction date and time"},
				"receipt_number":   {Type: model.FieldText, Description: "Receipt number"},
				"items":            {Type: model.FieldArray, Description: "Purchased items"},
				"subtotal":         {Type: model.FieldNumber, Description: "Subtotal"},
				"tax":              {Type: model.FieldNumber, Description: "Tax amount"},
				"total":            {Type: model.FieldNumber, Description: "Total amount"},
				"payment_method":   {Type: model.FieldText, Description: "Payment method"},
			},
			RequiredFields: []string{"store_name", "transaction_date", "total"},
		},
		{
			Name:        "form",
			Description: "Generic form data extraction",
			Fields: map[string]model.SchemaField{
				"form_title":  {Type: model.FieldText, Description: "Form title"},
				"form_number": {Type: model.FieldText, Description: "Form number"},
				"date":        {Type: model.FieldDate, Description: "Date"},
				"name":        {Type: model.FieldText, Description: "Name"},
				"address":     {Type: model.FieldText, Description: "Address"},
				"phone":       {Type: model.FieldText, Description: "Phone number"},
				"email":       {Type: model.FieldText, Description: "Email address"},
				"signature":   {Type: model.FieldBoolean, Description: "Signature present"},
			},
			RequiredFields: []string{"name"},
		},
		{
			Name:        GenericName,
			Description: "Generic document schema",
			Fields: map[string]model.SchemaField{
				"text_content": {Type: model.FieldText, Description: "Full text content"},
				"date":         {Type: model.FieldDate, Description: "Document date"},
				"title":        {Type: model.FieldText, Description: "Document title"},
			},
			RequiredFields: []string{},
		},
	}
}
