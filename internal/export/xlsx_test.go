package export

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"

	"docflow/pkg/models"
)

func sampleResults() []models.JobResult {
	return []models.JobResult{
		{JobID: "j1", FileName: "a.pdf", PageNumber: 1, State: models.JobCompleted,
			Fields: map[string]string{"supplier_name": "ACME", "invoice_id": "7"}, NewFileName: "ACME_7_2025-06-05.pdf"},
		{JobID: "j2", FileName: "b.pdf", PageNumber: 1, State: models.JobFailed, Error: "Invalid argument"},
	}
}

func TestTable(t *testing.T) {
	headers, rows := Table(sampleResults())
	if len(headers) != 8 || headers[6] != "invoice_id" || headers[7] != "supplier_name" {
		t.Fatalf("unexpected headers %v", headers)
	}
	if len(rows) != 2 || rows[0][7] != "ACME" || rows[1][5] != "Invalid argument" || rows[1][7] != "" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestXLSX(t *testing.T) {
	data, err := XLSX(sampleResults())
	if err != nil {
		t.Fatalf("XLSX() error = %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[1][4] != "ACME_7_2025-06-05.pdf" || rows[2][3] != "FAILED" {
		t.Fatalf("unexpected content %v", rows)
	}
}
