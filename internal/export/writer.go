package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/websets/internal/model"
)

// Table is a snapshot laid out as rows of column values. Unpopulated cells
// carry the column default, or nil.
type Table struct {
	Columns []model.Column
	Rows    [][]any
}

// TableFrom lays out snap as a Table.
func TableFrom(snap model.Snapshot) Table {
	t := Table{Columns: snap.Columns, Rows: make([][]any, snap.RowCount)}
	for row := range t.Rows {
		values := make([]any, len(snap.Columns))
		for i, col := range snap.Columns {
			values[i] = col.Default
			if c, ok := snap.Lookup(row, col.ID); ok {
				values[i] = c.Value
			}
		}
		t.Rows[row] = values
	}
	return t
}

// Header returns the column names.
func (t Table) Header() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ArtifactWriter encodes a table in one file format.
type ArtifactWriter interface {
	Write(w io.Writer, t Table) error
	ContentType() string
}

// Writers returns the writer for every supported format.
func Writers() map[model.ExportFormat]ArtifactWriter {
	return map[model.ExportFormat]ArtifactWriter{
		model.ExportCSV:  CSVWriter{},
		model.ExportJSON: JSONWriter{},
		model.ExportXLSX: XLSXWriter{},
	}
}

// CSVWriter writes a header row followed by one record per row.
type CSVWriter struct{}

func (CSVWriter) ContentType() string { return "text/csv" }

func (CSVWriter) Write(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header()); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	record := make([]string, len(t.Columns))
	for i, row := range t.Rows {
		for j, v := range row {
			record[j] = formatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrapf(err, "export: write csv row %d", i)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// JSONWriter writes an array with one object per row keyed by column name.
type JSONWriter struct{}

func (JSONWriter) ContentType() string { return "application/json" }

func (JSONWriter) Write(w io.Writer, t Table) error {
	out := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		obj := make(map[string]any, len(t.Columns))
		for j, col := range t.Columns {
			obj[col.Name] = row[j]
		}
		out[i] = obj
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(out), "export: encode json")
}

// XLSXWriter writes a single sheet workbook.
type XLSXWriter struct {
	SheetName string // default "Webset"
}

func (XLSXWriter) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

func (x XLSXWriter) Write(w io.Writer, t Table) error {
	name := x.SheetName
	if name == "" {
		name = "Webset"
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet(name)
	if err != nil {
		return eris.Wrap(err, "export: add xlsx sheet")
	}

	header := sheet.AddRow()
	for _, h := range t.Header() {
		header.AddCell().SetString(h)
	}
	for _, values := range t.Rows {
		row := sheet.AddRow()
		for _, v := range values {
			cell := row.AddCell()
			switch val := v.(type) {
			case nil:
			case float64:
				cell.SetFloat(val)
			case bool:
				cell.SetBool(val)
			default:
				cell.SetString(formatValue(val))
			}
		}
	}
	return eris.Wrap(f.Write(w), "export: write xlsx")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
