package excel

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/docpipe/docpipe/model"
)

// TemplateProjection is the deterministic wide-table view over a set of
// completed documents: one column per field in the union, one row per
// document
type TemplateProjection struct {
	Columns     []string
	DocumentIDs []uint
	Rows        []map[string]model.Value
}

// BuildTemplateProjection computes the column union and ordering over the
// documents' field sets. Columns sort by (first_seen asc, frequency desc,
// name asc), which surfaces common fields early and is stable for a given
// document order.
func BuildTemplateProjection(docs []*documentFields) TemplateProjection {
	type colStat struct {
		firstSeen int
		frequency int
	}
	stats := make(map[string]*colStat)

	for i, df := range docs {
		for name := range df.fields {
			st, ok := stats[name]
			if !ok {
				stats[name] = &colStat{firstSeen: i, frequency: 1}
				continue
			}
			st.frequency++
		}
	}

	columns := make([]string, 0, len(stats))
	for name := range stats {
		columns = append(columns, name)
	}
	sort.Slice(columns, func(i, j int) bool {
		a, b := stats[columns[i]], stats[columns[j]]
		if a.firstSeen != b.firstSeen {
			return a.firstSeen < b.firstSeen
		}
		if a.frequency != b.frequency {
			return a.frequency > b.frequency
		}
		return columns[i] < columns[j]
	})

	proj := TemplateProjection{Columns: columns}
	for _, df := range docs {
		proj.DocumentIDs = append(proj.DocumentIDs, df.doc.ID)
		proj.Rows = append(proj.Rows, df.fields)
	}
	return proj
}

// ExportTemplate renders the template-mode workbook: a Template sheet with
// the wide table and a Template Info sheet naming the sources and the
// ordering rule. Cells for fields a document never had stay empty; that is
// different from the model answering "N/A".
func (e *Exporter) ExportTemplate(docs []*model.Document) ([]byte, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("no documents to export")
	}

	decoded := make([]*documentFields, 0, len(docs))
	for _, doc := range docs {
		df, err := e.decode(doc)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, df)
	}

	proj := BuildTemplateProjection(decoded)

	f := excelize.NewFile()
	defer f.Close()

	if err := e.writeTemplateSheet(f, proj); err != nil {
		return nil, err
	}
	if err := e.writeTemplateInfoSheet(f, proj); err != nil {
		return nil, err
	}

	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	index, err := f.GetSheetIndex("Template")
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

func (e *Exporter) writeTemplateSheet(f *excelize.File, proj TemplateProjection) error {
	const sheet = "Template"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	header := append([]string{"document_id"}, proj.Columns...)
	if err := writeHeader(f, sheet, header); err != nil {
		return err
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}

	for r, fields := range proj.Rows {
		row := r + 2
		if err := f.SetCellInt(sheet, cell(0, row), int64(proj.DocumentIDs[r])); err != nil {
			return err
		}
		for c, name := range proj.Columns {
			value, ok := fields[name]
			if !ok {
				// Field absent from this document's schema: empty cell
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

func (e *Exporter) writeTemplateInfoSheet(f *excelize.File, proj TemplateProjection) error {
	const sheet = "Template Info"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	bold, err := boldStyle(f)
	if err != nil {
		return err
	}

	f.SetCellStr(sheet, "A1", "Template Export")
	f.SetCellStyle(sheet, "A1", "A1", bold)

	f.SetCellStr(sheet, "A3", "Column ordering")
	f.SetCellStr(sheet, "B3", "first seen (ascending), then frequency (descending), then name (ascending)")

	f.SetCellStr(sheet, "A4", "Columns")
	f.SetCellInt(sheet, "B4", int64(len(proj.Columns)))

	f.SetCellStr(sheet, "A6", "Source Documents")
	f.SetCellStyle(sheet, "A6", "A6", bold)
	f.SetCellStr(sheet, "A7", "Document ID")
	f.SetCellStyle(sheet, "A7", "A7", bold)

	row := 7
	for _, id := range proj.DocumentIDs {
		row++
		if err := f.SetCellInt(sheet, cell(0, row), int64(id)); err != nil {
			return err
		}
	}

	return setColWidths(f, sheet, []int{20, 70})
}
