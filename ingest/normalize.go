package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// Column names tried when the mapped column is missing from a row.
var fallbackColumns = map[string]string{
	models.FieldTransactionId:   "Transaction ID",
	models.FieldAmount:          "Amount",
	models.FieldReferenceNumber: "Reference Number",
	models.FieldDate:            "Date",
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"1/2/2006",
	"1/2/2006 15:04",
	"2 Jan 2006",
	"Jan 2, 2006",
}

// DataQualityWarning describes a row problem. Skipped rows are not ingested;
// the others were ingested with a default value.
type DataQualityWarning struct {
	Line    int    `json:"line"`
	Field   string `json:"field"`
	Value   string `json:"value"`
	Reason  string `json:"reason"`
	Skipped bool   `json:"skipped"`
}

func (w DataQualityWarning) Error() string {
	return fmt.Sprintf("line %d %s %q: %s", w.Line, w.Field, w.Value, w.Reason)
}

// Normalize maps rows to records using mapping. Amounts that do not parse become 0,
// missing or unreadable dates become now. Rows without a transaction id are skipped.
func Normalize(rows []Row, mapping models.FieldMapping, now time.Time) ([]models.Record, []DataQualityWarning) {
	columns := mapping.ToMap()
	records := make([]models.Record, 0, len(rows))
	var warnings []DataQualityWarning

	for _, row := range rows {
		if isBlank(row) {
			continue
		}
		get := func(field string) string {
			if v, ok := row.Values[columns[field]]; ok && strings.TrimSpace(v) != "" {
				return v
			}
			return row.Values[fallbackColumns[field]]
		}

		rec := models.Record{
			TransactionId:   strings.TrimSpace(get(models.FieldTransactionId)),
			ReferenceNumber: strings.TrimSpace(get(models.FieldReferenceNumber)),
		}
		if rec.TransactionId == "" {
			warnings = append(warnings, DataQualityWarning{
				Line: row.Line, Field: models.FieldTransactionId, Reason: "missing transaction id", Skipped: true,
			})
			continue
		}

		rawDate := strings.TrimSpace(get(models.FieldDate))
		if rawDate == "" {
			rec.Date = now.UTC()
		} else {
			d, ok := ParseDate(rawDate)
			if !ok {
				warnings = append(warnings, DataQualityWarning{
					Line: row.Line, Field: models.FieldDate, Value: rawDate, Reason: "unreadable date, using processing time",
				})
				d = now.UTC()
			}
			rec.Date = d
		}

		rawAmount := strings.TrimSpace(get(models.FieldAmount))
		amount, ok := ParseAmount(rawAmount)
		if !ok {
			warnings = append(warnings, DataQualityWarning{
				Line: row.Line, Field: models.FieldAmount, Value: rawAmount, Reason: "unreadable amount, using 0",
			})
		}
		rec.Amount = amount
		records = append(records, rec)
	}
	return records, warnings
}

func isBlank(row Row) bool {
	for _, v := range row.Values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ParseAmount accepts plain numbers with optional thousands separators and currency
// symbols. Anything else returns 0 and false.
func ParseAmount(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false
	}
	s = strings.NewReplacer(",", "", "$", "", " ", "").Replace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + strings.Trim(s, "()")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ParseDate tries the known layouts, then an Excel serial day number.
func ParseDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	if serial, err := decimal.NewFromString(raw); err == nil && serial.IsPositive() {
		f, _ := serial.Float64()
		if t, err := excelize.ExcelDateToTime(f, false); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
