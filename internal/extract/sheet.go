package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// readXLSX renders every sheet as a pipe-delimited table plus a Table entry.
func readXLSX(data []byte) (Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("extract: open xlsx: %w", err)
	}
	defer f.Close()

	var tables []Table
	var all strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		tables = append(tables, Table{Name: sheet, Rows: rows})
		if all.Len() > 0 {
			all.WriteString("\n\n")
		}
		all.WriteString(sheet)
		all.WriteString("\n")
		for _, row := range rows {
			all.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
	}

	return Result{Text: strings.TrimSpace(all.String()), Tables: tables}, nil
}

// readCSV parses the input as CSV, degrading to raw text when the records
// are malformed.
func readCSV(data []byte) Result {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil || len(records) == 0 {
		return Result{Text: string(data)}
	}

	var b strings.Builder
	for _, rec := range records {
		b.WriteString("| " + strings.Join(rec, " | ") + " |\n")
	}
	return Result{
		Text:   strings.TrimSpace(b.String()),
		Tables: []Table{{Rows: records}},
	}
}
