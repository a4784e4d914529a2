// Package ingest turns uploaded spreadsheets into normalized records.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/xuri/excelize/v2"
)

var ErrUnsupportedFormat = errors.New("unsupported file format")

// Row is one data line keyed by header. Line is 1-based and counts the header.
type Row struct {
	Line   int
	Values map[string]string
}

// Format is picked from the object name extension.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

func DetectFormat(name string) (Format, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrUnsupportedFormat)
}

// ReadRows opens locator from store and parses every data row.
func ReadRows(ctx context.Context, store FileStore, locator string) ([]Row, error) {
	format, err := DetectFormat(locator)
	if err != nil {
		return nil, err
	}
	rc, err := store.Open(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", locator, err)
	}
	defer rc.Close()
	return ParseRows(format, rc)
}

func ParseRows(format Format, r io.Reader) ([]Row, error) {
	switch format {
	case FormatCSV:
		return parseCSV(r)
	case FormatXLSX:
		return parseXLSX(r)
	}
	return nil, fmt.Errorf("%s: %w", format, ErrUnsupportedFormat)
}

func parseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true
	table, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(table) > 0 && len(table[0]) > 0 {
		table[0][0] = strings.TrimPrefix(table[0][0], "\ufeff")
	}
	return toRows(table), nil
}

// parseXLSX reads the first sheet with raw cell values so dates stay Excel serials.
func parseXLSX(r io.Reader) ([]Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	table, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return toRows(table), nil
}

func toRows(table [][]string) []Row {
	if len(table) == 0 {
		return nil
	}
	headers := make([]string, len(table[0]))
	for i, h := range table[0] {
		headers[i] = strings.TrimSpace(h)
	}
	rows := make([]Row, 0, len(table)-1)
	for i, cells := range table[1:] {
		values := make(map[string]string, len(headers))
		for j, h := range headers {
			if h == "" || j >= len(cells) {
				continue
			}
			values[h] = cells[j]
		}
		rows = append(rows, Row{Line: i + 2, Values: values})
	}
	return rows
}
