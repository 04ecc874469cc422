package ingest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cartera/internal/config"
	"github.com/smallbiznis/cartera/internal/spreadsheet"
)

// Values holds the typed cells of one row keyed by logical field name.
type Values struct {
	text    map[string]string
	amounts map[string]decimal.Decimal
	dates   map[string]time.Time
}

func NewValues() Values {
	return Values{
		text:    map[string]string{},
		amounts: map[string]decimal.Decimal{},
		dates:   map[string]time.Time{},
	}
}

func (v Values) Text(name string) string { return v.text[name] }

// Amount returns the parsed amount, or zero when the field was empty or absent.
func (v Values) Amount(name string) decimal.Decimal {
	if d, ok := v.amounts[name]; ok {
		return d
	}
	return decimal.Zero
}

func (v Values) Date(name string) *time.Time {
	t, ok := v.dates[name]
	if !ok {
		return nil
	}
	return &t
}

func (v Values) SetText(name, value string)               { v.text[name] = value }
func (v Values) SetAmount(name string, d decimal.Decimal) { v.amounts[name] = d }
func (v Values) SetDate(name string, t time.Time)         { v.dates[name] = t }

// RowError is a row-level failure. Line is the 1-based spreadsheet row.
type RowError struct {
	Line    int
	Message string
}

func (e RowError) Error() string {
	if e.Line <= 0 {
		return e.Message
	}
	return fmt.Sprintf("Row %d: %s", e.Line, e.Message)
}

type ValidRow struct {
	Line   int
	Values Values
}

// Batch is the outcome of validating every data row of a sheet.
type Batch struct {
	Rows   []ValidRow
	Errors []RowError
}

func (b *Batch) Reject(line int, format string, args ...interface{}) {
	b.Errors = append(b.Errors, RowError{Line: line, Message: fmt.Sprintf(format, args...)})
}

// Messages renders the row errors ordered by line.
func (b *Batch) Messages() []string {
	sorted := make([]RowError, len(b.Errors))
	copy(sorted, b.Errors)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Line < sorted[j].Line })

	out := make([]string, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, e.Error())
	}
	return out
}

// LineNumber converts a data row index into the row number users see in
// their spreadsheet (header is row 1).
func LineNumber(index int) int { return index + 2 }

// ValidateRows types every non-blank data row. A failing row contributes its
// first error and is left out of Rows; other rows are unaffected.
func ValidateRows(sheet *spreadsheet.Sheet, columns ColumnMap, schema Schema) Batch {
	batch := Batch{Rows: make([]ValidRow, 0, len(sheet.Rows))}
	for i, row := range sheet.Rows {
		if spreadsheet.IsBlank(row) {
			continue
		}
		line := LineNumber(i)
		values, err := ParseFields(schema, func(field string) string {
			return columns.Cell(row, field)
		})
		if err != nil {
			batch.Reject(line, "%s", err.Error())
			continue
		}
		batch.Rows = append(batch.Rows, ValidRow{Line: line, Values: values})
	}
	return batch
}

// FieldError describes why a single field could not be typed.
type FieldError struct {
	Field string
	Raw   string
	Kind  string
	cause error
}

func (e *FieldError) Error() string {
	switch {
	case errors.Is(e.cause, errEmptyValue) && e.Kind == config.FieldKindText:
		return fmt.Sprintf("%s is required", e.Field)
	case e.Kind == config.FieldKindDate:
		return fmt.Sprintf("%s is not a valid date (%s)", e.Field, e.Raw)
	default:
		return fmt.Sprintf("%s is not a valid number (%s)", e.Field, e.Raw)
	}
}

func (e *FieldError) Unwrap() error { return e.cause }

// ParseFields types the raw value of every schema field returned by get. It
// stops at the first failing field.
func ParseFields(schema Schema, get func(field string) string) (Values, error) {
	values := NewValues()
	for _, f := range schema.Fields {
		raw := get(f.Name)
		switch f.Kind {
		case config.FieldKindDecimal:
			if raw == "" && !f.Required {
				continue
			}
			d, err := ParseAmount(raw)
			if err != nil {
				return Values{}, &FieldError{Field: f.Name, Raw: raw, Kind: f.Kind, cause: err}
			}
			values.SetAmount(f.Name, d)
		case config.FieldKindDate:
			if raw == "" {
				if f.Required {
					return Values{}, &FieldError{Field: f.Name, Kind: config.FieldKindText, cause: errEmptyValue}
				}
				continue
			}
			t, err := ParseDate(raw)
			if err != nil {
				return Values{}, &FieldError{Field: f.Name, Raw: raw, Kind: f.Kind, cause: err}
			}
			values.SetDate(f.Name, t)
		default:
			if raw == "" && f.Required {
				return Values{}, &FieldError{Field: f.Name, Kind: config.FieldKindText, cause: errEmptyValue}
			}
			values.SetText(f.Name, raw)
		}
	}
	return values, nil
}
