// Package spreadsheet decodes uploaded workbooks into a header row and
// string data rows. It knows nothing about datasets.
package spreadsheet

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	ErrMalformedFile = errors.New("malformed_file")
	ErrEmptyDataset  = errors.New("empty_dataset")
	ErrFileTooLarge  = errors.New("file_too_large")
	ErrTooManyRows   = errors.New("too_many_rows")
)

// Options bounds the work done for a single upload. Zero values disable a
// limit.
type Options struct {
	MaxBytes int64
	MaxRows  int
}

// Sheet is the first worksheet of a workbook. Every data row is at least as
// wide as the header; absent cells are "".
type Sheet struct {
	Name   string
	Header []string
	Rows   [][]string
}

func Parse(data []byte, opts Options) (*Sheet, error) {
	if opts.MaxBytes > 0 && int64(len(data)) > opts.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFileTooLarge, len(data), opts.MaxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrMalformedFile)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrMalformedFile)
	}
	name := sheets[0]

	rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	rows = trimTrailingBlankRows(rows)
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: sheet %q has no data rows", ErrEmptyDataset, name)
	}

	dataRows := rows[1:]
	if opts.MaxRows > 0 && len(dataRows) > opts.MaxRows {
		return nil, fmt.Errorf("%w: %d rows exceeds limit of %d", ErrTooManyRows, len(dataRows), opts.MaxRows)
	}

	header := make([]string, len(rows[0]))
	for i, cell := range rows[0] {
		header[i] = strings.TrimSpace(cell)
	}

	sheet := &Sheet{
		Name:   name,
		Header: header,
		Rows:   make([][]string, 0, len(dataRows)),
	}
	for i, row := range dataRows {
		padded := pad(row, len(header))
		for col, value := range padded {
			if hasThreeDecimals(value) && isNumericCell(f, name, col+1, i+2) {
				padded[col] = value + "0"
			}
		}
		sheet.Rows = append(sheet.Rows, padded)
	}
	return sheet, nil
}

// hasThreeDecimals matches raw values such as "12.345", which text parsing
// would otherwise take for a grouped "12345". Numeric cells get a trailing
// zero so their fraction survives.
func hasThreeDecimals(value string) bool {
	head, tail, ok := strings.Cut(strings.TrimPrefix(value, "-"), ".")
	return ok && head != "" && len(tail) == 3 && digits(head) && digits(tail)
}

func isNumericCell(f *excelize.File, sheet string, col, row int) bool {
	axis, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return false
	}
	cellType, err := f.GetCellType(sheet, axis)
	if err != nil {
		return false
	}
	return cellType == excelize.CellTypeUnset || cellType == excelize.CellTypeNumber
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// IsBlank reports whether every cell in row is empty after trimming.
func IsBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func trimTrailingBlankRows(rows [][]string) [][]string {
	end := len(rows)
	for end > 0 && IsBlank(rows[end-1]) {
		end--
	}
	return rows[:end]
}

func pad(row []string, width int) []string {
	if len(row) >= width {
		return row
	}
	out := make([]string, width)
	copy(out, row)
	return out
}
