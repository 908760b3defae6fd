package excel

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"
	"gorm.io/datatypes"

	"github.com/docpipe/docpipe/model"
)

// fakeSchemas serves the invoice schema's required-field order
type fakeSchemas struct{}

func (fakeSchemas) Get(name string) (model.Schema, error) {
	return model.Schema{
		Name:           name,
		RequiredFields: []string{"invoice_number", "invoice_date", "vendor_name", "total"},
	}, nil
}

func invoiceDoc(id uint) *model.Document {
	return &model.Document{
		ID:               id,
		OriginalFilename: "invoice.pdf",
		Status:           model.StatusCompleted,
		SchemaUsed:       "invoice",
		PageCount:        1,
		ProcessingTime:   2.5,
		ExtractedData: datatypes.JSON([]byte(
			`{"total":199.99,"vendor_name":"ACME Corp","invoice_number":"INV-001","invoice_date":"2024-05-01","customer_name":"Jane"}`,
		)),
		ConfidenceScores: datatypes.JSON([]byte(
			`{"invoice_number":0.95,"invoice_date":0.9,"vendor_name":0.85,"total":0.9,"customer_name":0.6}`,
		)),
	}
}

func TestFieldOrderRequiredFirstThenAlphabetical(t *testing.T) {
	fields := map[string]model.Value{
		"zebra":          {Kind: model.KindText, Text: "z"},
		"total":          {Kind: model.KindNumber, Number: 1},
		"alpha":          {Kind: model.KindText, Text: "a"},
		"invoice_number": {Kind: model.KindText, Text: "INV-1"},
	}
	required := []string{"invoice_number", "total"}

	got := FieldOrder(fields, required)
	want := []string{"invoice_number", "total", "alpha", "zebra"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestFieldOrderSkipsAbsentRequired(t *testing.T) {
	fields := map[string]model.Value{"b": {Kind: model.KindText, Text: "x"}}
	got := FieldOrder(fields, []string{"a", "b"})
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("order = %v, required fields not extracted must not appear", got)
	}
}

func TestExportSingleDataSheetLayout(t *testing.T) {
	exporter := NewExporter(fakeSchemas{})

	data, err := exporter.ExportSingle(invoiceDoc(1), true)
	if err != nil {
		t.Fatalf("ExportSingle: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("workbook does not open: %v", err)
	}
	defer f.Close()

	for _, sheet := range []string{"Data", "Metadata", "Summary"} {
		if idx, _ := f.GetSheetIndex(sheet); idx < 0 {
			t.Errorf("sheet %q missing", sheet)
		}
	}

	// Row 1 is the header, row 2 the first required field
	if got, _ := f.GetCellValue("Data", "A1"); got != "Field" {
		t.Errorf("Data!A1 = %q, want header", got)
	}
	if got, _ := f.GetCellValue("Data", "A2"); got != "invoice_number" {
		t.Errorf("Data!A2 = %q, want invoice_number first", got)
	}
	if got, _ := f.GetCellValue("Data", "B2"); got != "INV-001" {
		t.Errorf("Data!B2 = %q, want the invoice number", got)
	}

	// total is the last required field, then the rest alphabetically
	if got, _ := f.GetCellValue("Data", "A5"); got != "total" {
		t.Errorf("Data!A5 = %q, want total", got)
	}
	if got, _ := f.GetCellValue("Data", "A6"); got != "customer_name" {
		t.Errorf("Data!A6 = %q, want remaining fields alphabetical", got)
	}
}

func TestExportSingleWithoutMetadata(t *testing.T) {
	exporter := NewExporter(fakeSchemas{})

	data, err := exporter.ExportSingle(invoiceDoc(1), false)
	if err != nil {
		t.Fatalf("ExportSingle: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("workbook does not open: %v", err)
	}
	defer f.Close()

	if idx, _ := f.GetSheetIndex("Metadata"); idx >= 0 {
		t.Errorf("Metadata sheet should be omitted")
	}
	if idx, _ := f.GetSheetIndex("Data"); idx < 0 {
		t.Errorf("Data sheet missing")
	}
}

func TestExportBatchCombinedSheet(t *testing.T) {
	exporter := NewExporter(fakeSchemas{})

	doc2 := invoiceDoc(2)
	data, err := exporter.ExportBatch([]*model.Document{invoiceDoc(1), doc2})
	if err != nil {
		t.Fatalf("ExportBatch: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("workbook does not open: %v", err)
	}
	defer f.Close()

	for _, sheet := range []string{"Data_1", "Data_2", "Combined"} {
		if idx, _ := f.GetSheetIndex(sheet); idx < 0 {
			t.Errorf("sheet %q missing", sheet)
		}
	}

	// Combined carries provenance in column A
	if got, _ := f.GetCellValue("Combined", "A1"); got != "document_id" {
		t.Errorf("Combined!A1 = %q, want document_id", got)
	}
	if got, _ := f.GetCellValue("Combined", "A2"); got != "1" {
		t.Errorf("Combined!A2 = %q, want first document id", got)
	}
	if got, _ := f.GetCellValue("Combined", "A3"); got != "2" {
		t.Errorf("Combined!A3 = %q, want second document id", got)
	}
	if got, _ := f.GetCellValue("Combined", "B1"); got != "invoice_number" {
		t.Errorf("Combined!B1 = %q, want first field column", got)
	}
}

func TestExportBatchEmptyRejected(t *testing.T) {
	exporter := NewExporter(fakeSchemas{})
	if _, err := exporter.ExportBatch(nil); err == nil {
		t.Error("expected an error for an empty batch")
	}
}

func TestConfidenceBar(t *testing.T) {
	if got := confidenceBar(1.0); got != "██████████" {
		t.Errorf("full bar wrong: %q", got)
	}
	if got := confidenceBar(0); got != "░░░░░░░░░░" {
		t.Errorf("empty bar wrong: %q", got)
	}
	if got := confidenceBar(0.5); got != "█████░░░░░" {
		t.Errorf("half bar wrong: %q", got)
	}
}
