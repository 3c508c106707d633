// Package export renders a session's job results as a table.
package export

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"docflow/pkg/models"
)

// SheetName is the worksheet written by XLSX.
const SheetName = "Results"

var fixedHeaders = []string{"Job", "File", "Page", "State", "New File Name", "Error"}

// Table flattens results into a header row and data rows. Extracted fields
// become one column each, ordered by name after the fixed columns.
func Table(results []models.JobResult) ([]string, [][]any) {
	seen := make(map[string]bool)
	var fields []string
	for _, r := range results {
		for name := range r.Fields {
			if !seen[name] {
				seen[name] = true
				fields = append(fields, name)
			}
		}
	}
	sort.Strings(fields)

	headers := append(append([]string(nil), fixedHeaders...), fields...)
	rows := make([][]any, 0, len(results))
	for _, r := range results {
		row := []any{r.JobID, r.FileName, r.PageNumber, string(r.State), r.NewFileName, r.Error}
		for _, name := range fields {
			row = append(row, r.Fields[name])
		}
		rows = append(rows, row)
	}
	return headers, rows
}

// XLSX returns a workbook with one row per job.
func XLSX(results []models.JobResult) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(SheetName); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}
	index, _ := f.GetSheetIndex(SheetName)
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}

	headers, rows := Table(results)
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetName, cell, h)
	}
	for r, row := range rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			_ = f.SetCellValue(SheetName, cell, v)
		}
	}

	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(headers), 1)
		_ = f.SetCellStyle(SheetName, "A1", last, style)
	}
	_ = f.SetColWidth(SheetName, "A", "A", 38) // job id
	_ = f.SetColWidth(SheetName, "B", "B", 28)
	_ = f.SetColWidth(SheetName, "E", "E", 36)
	_ = f.SetColWidth(SheetName, "F", "F", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
