package reports

import (
	"fmt"
	"io"
	"strings"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/xuri/excelize/v2"
)

const (
	resultsSheet = "Results"
	summarySheet = "Summary"
	dateLayout   = "2006-01-02"

	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var resultsHeader = []interface{}{
	"Result ID", "Transaction ID", "Amount", "Reference Number", "Date",
	"Verdict", "Reference Transaction ID", "Reference Amount", "Mismatches", "Version",
}

// ResultRow is one result with the records it compares.
type ResultRow struct {
	Result    models.ReconciliationResult
	Record    *models.Record
	Reference *models.Record
}

func (r ResultRow) cellValues() []interface{} {
	values := make([]interface{}, 0, len(resultsHeader))
	values = append(values, r.Result.ID)
	if r.Record != nil {
		values = append(values, r.Record.TransactionId, r.Record.Amount.StringFixed(2), r.Record.ReferenceNumber, r.Record.Date.Format(dateLayout))
	} else {
		values = append(values, "", "", "", "")
	}
	values = append(values, string(r.Result.Verdict))
	if r.Reference != nil {
		values = append(values, r.Reference.TransactionId, r.Reference.Amount.StringFixed(2))
	} else {
		values = append(values, "", "")
	}
	return append(values, describeMismatches(r.Result.Mismatches), r.Result.Version)
}

func describeMismatches(mismatches []models.Mismatch) string {
	parts := make([]string, 0, len(mismatches))
	for _, m := range mismatches {
		part := fmt.Sprintf("%s: %s vs %s", m.Field, m.UploadedValue.String(), m.ReferenceValue.String())
		if m.Variance != "" {
			part += " (" + m.Variance + ")"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}

// WriteResultsWorkbook writes a batch's results as an xlsx workbook with a per-verdict summary sheet.
func WriteResultsWorkbook(w io.Writer, batch models.Batch, rows []ResultRow) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(resultsSheet, "A1", &resultsHeader); err != nil {
		return err
	}
	counts := make(map[models.Verdict]int, len(models.AllVerdicts))
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := row.cellValues()
		if err := f.SetSheetRow(resultsSheet, cell, &values); err != nil {
			return err
		}
		counts[row.Result.Verdict]++
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	summary := [][]interface{}{
		{"Batch ID", batch.ID},
		{"File", batch.FileName},
		{"Status", string(batch.Status)},
		{"Total", len(rows)},
	}
	for _, v := range models.AllVerdicts {
		summary = append(summary, []interface{}{string(v), counts[v]})
	}
	for i, line := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &line); err != nil {
			return err
		}
	}
	return f.Write(w)
}
