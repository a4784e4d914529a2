package ingest

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var mapping = models.FieldMapping{
	TransactionId:   "Txn",
	Amount:          "Amt",
	ReferenceNumber: "Ref",
	Date:            "When",
}

func TestParseRows_CSV(t *testing.T) {
	src := "\ufeffTxn,Amt,Ref,When\n TRX4001 ,1000,REF4001,2024-11-01\nTRX4002,\"1,500.50\",REF4002,\n"
	rows, err := ParseRows(FormatCSV, strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, "TRX4001 ", rows[0].Values["Txn"])
	assert.Contains(t, rows[0].Values, "Txn")
	assert.Equal(t, "1,500.50", rows[1].Values["Amt"])
}

func TestParseRows_XLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"Txn", "Amt", "Ref", "When"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"TRX4001", 1000, "REF4001", 45597}))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	rows, err := ParseRows(FormatXLSX, &buf)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	records, warnings := Normalize(rows, mapping, time.Now())
	assert.Empty(t, warnings)
	require.Len(t, records, 1)
	assert.Equal(t, "TRX4001", records[0].TransactionId)
	assert.True(t, records[0].Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC), records[0].Date)
}

func TestNormalize(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []Row{
		{Line: 2, Values: map[string]string{"Txn": " TRX1 ", "Amt": "12.50", "Ref": " R1 ", "When": "2024-11-01"}},
		{Line: 3, Values: map[string]string{"Txn": "TRX2", "Amt": "abc", "Ref": "R2"}},
		{Line: 4, Values: map[string]string{"Txn": "", "Amt": "1", "Ref": "R3"}},
		{Line: 5, Values: map[string]string{"Txn": "TRX4", "Amt": "1", "When": "yesterday"}},
		{Line: 6, Values: map[string]string{"Transaction ID": "TRX5", "Amount": "7", "Reference Number": "R5", "Date": "1/2/2024"}},
		{Line: 7, Values: map[string]string{"Txn": " ", "Amt": ""}},
	}
	records, warnings := Normalize(rows, mapping, now)

	require.Len(t, records, 4)
	assert.Equal(t, "TRX1", records[0].TransactionId)
	assert.Equal(t, "R1", records[0].ReferenceNumber)
	assert.True(t, records[0].Amount.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC), records[0].Date)

	assert.True(t, records[1].Amount.IsZero())
	assert.Equal(t, now, records[1].Date)

	assert.Equal(t, "TRX4", records[2].TransactionId)
	assert.Equal(t, now, records[2].Date)

	assert.Equal(t, "TRX5", records[3].TransactionId)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), records[3].Date)

	require.Len(t, warnings, 3)
	assert.False(t, warnings[0].Skipped)
	assert.Equal(t, 3, warnings[0].Line)
	assert.True(t, warnings[1].Skipped)
	assert.Equal(t, 4, warnings[1].Line)
	assert.False(t, warnings[2].Skipped)
	assert.Equal(t, 5, warnings[2].Line)
	assert.Equal(t, "date", warnings[2].Field)
	assert.Equal(t, "yesterday", warnings[2].Value)
}

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"1000":     "1000",
		"1,030.00": "1030",
		"$12.5":    "12.5",
		"(40)":     "-40",
		" -3.25 ":  "-3.25",
	}
	for in, want := range cases {
		got, ok := ParseAmount(in)
		require.True(t, ok, in)
		assert.True(t, got.Equal(decimal.RequireFromString(want)), in)
	}
	_, ok := ParseAmount("n/a")
	assert.False(t, ok)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("Txn,Amt\nA,1\n"))
	b := Fingerprint([]byte("Txn,Amt\nA,1\n"))
	c := Fingerprint([]byte("Txn,Amt\nA,2\n"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := &LocalStore{Dir: t.TempDir()}
	locator, err := store.Save(ctx, "batches/u1/file.csv", strings.NewReader("Txn,Amt,Ref,When\nA,1,R,\n"))
	require.NoError(t, err)
	assert.Equal(t, "file.csv", filepath.Base(locator))

	rows, err := ReadRows(ctx, store, locator)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "A", rows[0].Values["Txn"])

	_, err = store.Open(ctx, "gs://bucket/file.csv")
	assert.True(t, errors.Is(err, ErrLocatorNotSupported))
}

func TestDetectFormat(t *testing.T) {
	f, err := DetectFormat("Upload.XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	_, err = DetectFormat("notes.txt")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestSplitGCSLocator(t *testing.T) {
	bucket, object, err := splitGCSLocator("gs://recon/batches/1/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "recon", bucket)
	assert.Equal(t, "batches/1/a.csv", object)

	_, _, err = splitGCSLocator("gs://recon")
	assert.Error(t, err)
}
