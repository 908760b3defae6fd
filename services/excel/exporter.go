package excel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/docpipe/docpipe/model"
)

// maxColumnWidth caps auto-sized column widths
const maxColumnWidth = 60

// SchemaLookup resolves the schema a document was extracted with, used to
// order its fields
type SchemaLookup interface {
	Get(name string) (model.Schema, error)
}

// Exporter renders extraction results into xlsx workbooks
type Exporter struct {
	schemas SchemaLookup
}

func NewExporter(schemas SchemaLookup) *Exporter {
	return &Exporter{schemas: schemas}
}

// documentFields is a document's decoded extraction result
type documentFields struct {
	doc        *model.Document
	order      []string
	fields     map[string]model.Value
	confidence map[string]float64
}

// ExportSingle produces a workbook with Data, Metadata and Summary sheets
// for one completed document
func (e *Exporter) ExportSingle(doc *model.Document, includeMetadata bool) ([]byte, error) {
	df, err := e.decode(doc)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := e.writeDataSheet(f, "Data", df); err != nil {
		return nil, err
	}
	if includeMetadata {
		if err := e.writeMetadataSheet(f, []*documentFields{df}); err != nil {
			return nil, err
		}
	}
	if err := e.writeSummarySheet(f, df); err != nil {
		return nil, err
	}

	// The default sheet is replaced by Data
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	index, err := f.GetSheetIndex("Data")
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportBatch produces one Data_<id> sheet per document plus a Combined
// sheet with a provenance column
func (e *Exporter) ExportBatch(docs []*model.Document) ([]byte, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("no documents to export")
	}

	f := excelize.NewFile()
	defer f.Close()

	decoded := make([]*documentFields, 0, len(docs))
	for _, doc := range docs {
		df, err := e.decode(doc)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, df)

		sheet := fmt.Sprintf("Data_%d", doc.ID)
		if err := e.writeDataSheet(f, sheet, df); err != nil {
			return nil, err
		}
	}

	if err := e.writeCombinedSheet(f, decoded); err != nil {
		return nil, err
	}

	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	index, err := f.GetSheetIndex("Combined")
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// decode parses a document's persisted extraction JSON and computes its
// field order: required schema fields in declared order first, then the
// rest alphabetically
func (e *Exporter) decode(doc *model.Document) (*documentFields, error) {
	fields := make(map[string]model.Value)
	if len(doc.ExtractedData) > 0 {
		if err := json.Unmarshal(doc.ExtractedData, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode extracted data for document %d: %w", doc.ID, err)
		}
	}

	confidence := make(map[string]float64)
	if len(doc.ConfidenceScores) > 0 {
		if err := json.Unmarshal(doc.ConfidenceScores, &confidence); err != nil {
			return nil, fmt.Errorf("failed to decode confidence scores for document %d: %w", doc.ID, err)
		}
	}

	var required []string
	if doc.SchemaUsed != "" && e.schemas != nil {
		if s, err := e.schemas.Get(doc.SchemaUsed); err == nil {
			required = s.RequiredFields
		}
	}

	return &documentFields{
		doc:        doc,
		order:      FieldOrder(fields, required),
		fields:     fields,
		confidence: confidence,
	}, nil
}

// FieldOrder lists required fields in their declared order first, then the
// remaining extracted fields alphabetically
func FieldOrder(fields map[string]model.Value, required []string) []string {
	order := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))

	for _, name := range required {
		if _, ok := fields[name]; ok {
			order = append(order, name)
			seen[name] = true
		}
	}

	rest := make([]string, 0, len(fields))
	for name := range fields {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

func (e *Exporter) writeDataSheet(f *excelize.File, sheet string, df *documentFields) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	if err := writeHeader(f, sheet, []string{"Field", "Value"}); err != nil {
		return err
	}

	widthA, widthB := len("Field"), len("Value")
	for i, name := range df.order {
		row := i + 2
		if err := f.SetCellStr(sheet, cell(0, row), name); err != nil {
			return err
		}
		if err := setTypedCell(f, sheet, cell(1, row), df.fields[name]); err != nil {
			return err
		}
		widthA = maxInt(widthA, len(name))
		widthB = maxInt(widthB, len(df.fields[name].CellString()))
	}

	if err := setColWidths(f, sheet, []int{widthA, widthB}); err != nil {
		return err
	}
	return freezeHeader(f, sheet)
}

func (e *Exporter) writeCombinedSheet(f *excelize.File, docs []*documentFields) error {
	const sheet = "Combined"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	// Union of field orders, first document's ordering winning ties
	var columns []string
	seen := make(map[string]bool)
	for _, df := range docs {
		for _, name := range df.order {
			if !seen[name] {
				columns = append(columns, name)
				seen[name] = true
			}
		}
	}

	header := append([]string{"document_id"}, columns...)
	if err := writeHeader(f, sheet, header); err != nil {
		return err
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}

	for r, df := range docs {
		row := r + 2
		if err := f.SetCellInt(sheet, cell(0, row), int64(df.doc.ID)); err != nil {
			return err
		}
		for c, name := range columns {
			value, ok := df.fields[name]
			if !ok {
				continue
			}
			if err := setTypedCell(f, sheet, cell(c+1, row), value); err != nil {
				return err
			}
			widths[c+1] = maxInt(widths[c+1], len(value.CellString()))
		}
	}

	if err := setColWidths(f, sheet, widths); err != nil {
		return err
	}
	return freezeHeader(f, sheet)
}

func (e *Exporter) writeMetadataSheet(f *excelize.File, docs []*documentFields) error {
	const sheet = "Metadata"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}})
	if err != nil {
		return err
	}

	f.SetCellStr(sheet, "A1", "Extraction Metadata")
	f.SetCellStyle(sheet, "A1", "A1", bold)

	f.SetCellStr(sheet, "A3", "Total Documents")
	f.SetCellInt(sheet, "B3", int64(len(docs)))
	f.SetCellStr(sheet, "A4", "Extraction Date")
	f.SetCellStr(sheet, "B4", time.Now().UTC().Format("2006-01-02 15:04:05"))

	models := make(map[string]bool)
	row := 5
	for _, df := range docs {
		var meta model.ProcessingMetadata
		if len(df.doc.ProcessingMeta) > 0 {
			if err := json.Unmarshal(df.doc.ProcessingMeta, &meta); err == nil && meta.Model != "" {
				models[meta.Model] = true
			}
		}
	}
	if len(models) > 0 {
		names := make([]string, 0, len(models))
		for m := range models {
			names = append(names, m)
		}
		sort.Strings(names)
		f.SetCellStr(sheet, "A5", "AI Model Used")
		f.SetCellStr(sheet, "B5", strings.Join(names, ", "))
		row = 6
	}

	// Per-document timings
	row++
	f.SetCellStr(sheet, cell(0, row), "Document")
	f.SetCellStr(sheet, cell(1, row), "Pages")
	f.SetCellStr(sheet, cell(2, row), "Duration (s)")
	f.SetCellStr(sheet, cell(3, row), "Schema")
	headerRow := row
	for _, df := range docs {
		row++
		f.SetCellInt(sheet, cell(0, row), int64(df.doc.ID))
		f.SetCellInt(sheet, cell(1, row), int64(df.doc.PageCount))
		f.SetCellFloat(sheet, cell(2, row), df.doc.ProcessingTime, 2, 64)
		f.SetCellStr(sheet, cell(3, row), df.doc.SchemaUsed)
	}

	// Field fill-rate statistics
	row += 2
	f.SetCellStr(sheet, cell(0, row), "Field Statistics")
	f.SetCellStyle(sheet, cell(0, row), cell(0, row), bold)
	row++
	f.SetCellStr(sheet, cell(0, row), "Field Name")
	f.SetCellStr(sheet, cell(1, row), "Filled Count")
	f.SetCellStr(sheet, cell(2, row), "N/A Count")
	f.SetCellStr(sheet, cell(3, row), "Fill Rate %")

	type fillStat struct{ filled, missing int }
	stats := make(map[string]*fillStat)
	for _, df := range docs {
		for name, value := range df.fields {
			st, ok := stats[name]
			if !ok {
				st = &fillStat{}
				stats[name] = st
			}
			if value.IsMissing() {
				st.missing++
			} else {
				st.filled++
			}
		}
	}
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		row++
		st := stats[name]
		total := st.filled + st.missing
		rate := 0.0
		if total > 0 {
			rate = float64(st.filled) / float64(total) * 100
		}
		f.SetCellStr(sheet, cell(0, row), name)
		f.SetCellInt(sheet, cell(1, row), int64(st.filled))
		f.SetCellInt(sheet, cell(2, row), int64(st.missing))
		f.SetCellStr(sheet, cell(3, row), fmt.Sprintf("%.1f%%", rate))
	}

	headerStyle, err := boldStyle(f)
	if err != nil {
		return err
	}
	f.SetCellStyle(sheet, cell(0, headerRow), cell(3, headerRow), headerStyle)

	return setColWidths(f, sheet, []int{24, 14, 14, 14})
}

func (e *Exporter) writeSummarySheet(f *excelize.File, df *documentFields) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	title, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 16}})
	if err != nil {
		return err
	}
	f.SetCellStr(sheet, "A1", "Document Processing Summary")
	f.SetCellStyle(sheet, "A1", "A1", title)

	f.SetCellStr(sheet, "A3", "Document")
	f.SetCellStr(sheet, "B3", df.doc.OriginalFilename)
	f.SetCellStr(sheet, "A4", "Fields Extracted")
	f.SetCellInt(sheet, "B4", int64(len(df.fields)))
	f.SetCellStr(sheet, "A5", "Processing Time (s)")
	f.SetCellFloat(sheet, "B5", df.doc.ProcessingTime, 2, 64)

	// Per-field confidence bars
	f.SetCellStr(sheet, "A7", "Field")
	f.SetCellStr(sheet, "B7", "Confidence")
	f.SetCellStr(sheet, "C7", "")
	headerStyle, err := boldStyle(f)
	if err != nil {
		return err
	}
	f.SetCellStyle(sheet, "A7", "C7", headerStyle)

	row := 7
	for _, name := range df.order {
		row++
		conf := df.confidence[name]
		f.SetCellStr(sheet, cell(0, row), name)
		f.SetCellFloat(sheet, cell(1, row), conf, 2, 64)
		f.SetCellStr(sheet, cell(2, row), confidenceBar(conf))
	}

	return setColWidths(f, sheet, []int{24, 12, 14})
}

// confidenceBar renders a crude ten-slot bar for the summary sheet
func confidenceBar(conf float64) string {
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	filled := int(conf*10 + 0.5)
	return strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
}

// setTypedCell writes a value as a typed cell so spreadsheet formulas work
// on it: numbers as number cells, dates as date cells, booleans as booleans,
// the rest as text
func setTypedCell(f *excelize.File, sheet, axis string, v model.Value) error {
	switch v.Kind {
	case model.KindNumber:
		return f.SetCellFloat(sheet, axis, v.Number, -1, 64)
	case model.KindBool:
		return f.SetCellBool(sheet, axis, v.Bool)
	case model.KindDate:
		if err := f.SetCellValue(sheet, axis, v.Date); err != nil {
			return err
		}
		style, err := f.NewStyle(&excelize.Style{NumFmt: 14}) // m/d/yy
		if err != nil {
			return err
		}
		return f.SetCellStyle(sheet, axis, axis, style)
	default:
		return f.SetCellStr(sheet, axis, v.CellString())
	}
}

func writeHeader(f *excelize.File, sheet string, header []string) error {
	for i, h := range header {
		if err := f.SetCellStr(sheet, cell(i, 1), h); err != nil {
			return err
		}
	}
	style, err := boldStyle(f)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, cell(0, 1), cell(len(header)-1, 1), style)
}

func boldStyle(f *excelize.File) (int, error) {
	return f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
}

func freezeHeader(f *excelize.File, sheet string) error {
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

// setColWidths applies content-sized widths with the ceiling
func setColWidths(f *excelize.File, sheet string, widths []int) error {
	for i, w := range widths {
		w += 2
		if w > maxColumnWidth {
			w = maxColumnWidth
		}
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, col, col, float64(w)); err != nil {
			return err
		}
	}
	return nil
}

// cell builds an axis from a 0-based column and 1-based row
func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col+1, row)
	return name
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
