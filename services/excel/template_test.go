package excel

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"
	"gorm.io/datatypes"

	"github.com/docpipe/docpipe/model"
)

func docFieldsFor(id uint, fields map[string]model.Value) *documentFields {
	return &documentFields{
		doc:    &model.Document{ID: id},
		fields: fields,
	}
}

func TestTemplateColumnOrdering(t *testing.T) {
	// Document A: invoice_number, total, date. Document B: invoice_number,
	// total, name. Shared fields sort ahead of A-only fields by frequency;
	// B's new field comes last.
	docA := docFieldsFor(1, map[string]model.Value{
		"date":           {Kind: model.KindDate, Text: "2024-05-01"},
		"invoice_number": {Kind: model.KindText, Text: "INV-A"},
		"total":          {Kind: model.KindNumber, Number: 10},
	})
	docB := docFieldsFor(2, map[string]model.Value{
		"invoice_number": {Kind: model.KindText, Text: "INV-B"},
		"name":           {Kind: model.KindText, Text: "B"},
		"total":          {Kind: model.KindNumber, Number: 20},
	})

	proj := BuildTemplateProjection([]*documentFields{docA, docB})

	want := []string{"invoice_number", "total", "date", "name"}
	if len(proj.Columns) != len(want) {
		t.Fatalf("columns = %v, want %v", proj.Columns, want)
	}
	for i := range want {
		if proj.Columns[i] != want[i] {
			t.Fatalf("columns = %v, want %v", proj.Columns, want)
		}
	}
}

func TestTemplateProjectionIsStableForDocumentOrder(t *testing.T) {
	docs := []*documentFields{
		docFieldsFor(1, map[string]model.Value{"a": {Kind: model.KindText, Text: "x"}}),
		docFieldsFor(2, map[string]model.Value{"b": {Kind: model.KindText, Text: "y"}}),
	}

	first := BuildTemplateProjection(docs)
	second := BuildTemplateProjection(docs)
	for i := range first.Columns {
		if first.Columns[i] != second.Columns[i] {
			t.Fatalf("projection not deterministic: %v vs %v", first.Columns, second.Columns)
		}
	}
}

func TestExportTemplateWorkbook(t *testing.T) {
	exporter := NewExporter(fakeSchemas{})

	docA := &model.Document{
		ID:            1,
		Status:        model.StatusCompleted,
		SchemaUsed:    "invoice",
		ExtractedData: datatypes.JSON([]byte(`{"invoice_number":"INV-A","total":10,"date":"2024-05-01"}`)),
	}
	docB := &model.Document{
		ID:            2,
		Status:        model.StatusCompleted,
		SchemaUsed:    "invoice",
		ExtractedData: datatypes.JSON([]byte(`{"invoice_number":"INV-B","total":20,"name":"B"}`)),
	}

	data, err := exporter.ExportTemplate([]*model.Document{docA, docB})
	if err != nil {
		t.Fatalf("ExportTemplate: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("workbook does not open: %v", err)
	}
	defer f.Close()

	if idx, _ := f.GetSheetIndex("Template"); idx < 0 {
		t.Fatalf("Template sheet missing")
	}
	if idx, _ := f.GetSheetIndex("Template Info"); idx < 0 {
		t.Fatalf("Template Info sheet missing")
	}

	// Header: document_id then the ordered column union
	wantHeader := []string{"document_id", "invoice_number", "total", "date", "name"}
	for i, want := range wantHeader {
		axis := cell(i, 1)
		if got, _ := f.GetCellValue("Template", axis); got != want {
			t.Errorf("Template!%s = %q, want %q", axis, got, want)
		}
	}

	// Row A: has date, no name; the name cell stays empty
	if got, _ := f.GetCellValue("Template", "B2"); got != "INV-A" {
		t.Errorf("Template!B2 = %q, want INV-A", got)
	}
	if got, _ := f.GetCellValue("Template", "E2"); got != "" {
		t.Errorf("Template!E2 = %q, absent field must be an empty cell", got)
	}

	// Row B: no date, has name
	if got, _ := f.GetCellValue("Template", "D3"); got != "" {
		t.Errorf("Template!D3 = %q, absent field must be an empty cell", got)
	}
	if got, _ := f.GetCellValue("Template", "E3"); got != "B" {
		t.Errorf("Template!E3 = %q, want B", got)
	}
}
