package ingest

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/smallbiznis/cartera/internal/config"
)

var (
	ErrMissingRequiredColumns = errors.New("missing_required_columns")
	ErrUnknownSchema          = errors.New("unknown_schema")
)

// MissingColumnsError names every required field the header could not supply.
type MissingColumnsError struct {
	Dataset string
	Fields  []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing required columns for %s: %s", e.Dataset, strings.Join(e.Fields, ", "))
}

func (e *MissingColumnsError) Unwrap() error { return ErrMissingRequiredColumns }

type FieldSpec struct {
	Name     string
	Kind     string
	Required bool
	Synonyms []string
	Position int
}

type Schema struct {
	Dataset string
	Mode    string
	Fields  []FieldSpec
}

// SchemaFor builds the schema for dataset from the live ingest configuration.
func SchemaFor(cfg config.IngestConfig, dataset string) (Schema, error) {
	sc, ok := cfg.Schemas[dataset]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %s", ErrUnknownSchema, dataset)
	}
	schema := Schema{
		Dataset: dataset,
		Mode:    sc.Mode,
		Fields:  make([]FieldSpec, 0, len(sc.Fields)),
	}
	for _, f := range sc.Fields {
		schema.Fields = append(schema.Fields, FieldSpec{
			Name:     f.Name,
			Kind:     f.Kind,
			Required: f.Required,
			Synonyms: f.Synonyms,
			Position: f.Position,
		})
	}
	return schema, nil
}

// ColumnMap maps a logical field name to its column index.
type ColumnMap map[string]int

// Cell returns the trimmed raw value of field in row, or "" when the field
// is not mapped.
func (m ColumnMap) Cell(row []string, field string) string {
	idx, ok := m[field]
	if !ok || idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// MapColumns resolves every schema field against header. Header matching is
// exact after normalization; the first matching column wins.
func MapColumns(header []string, schema Schema) (ColumnMap, error) {
	columns := make(ColumnMap, len(schema.Fields))
	var missing []string

	switch schema.Mode {
	case config.SchemaModePositional:
		for _, f := range schema.Fields {
			if f.Position >= 0 && f.Position < len(header) {
				columns[f.Name] = f.Position
				continue
			}
			if f.Required {
				missing = append(missing, f.Name)
			}
		}
	default:
		index := make(map[string]int, len(header))
		for i, cell := range header {
			key := normalizeHeader(cell)
			if key == "" {
				continue
			}
			if _, seen := index[key]; !seen {
				index[key] = i
			}
		}
		for _, f := range schema.Fields {
			idx, ok := lookup(index, f)
			if ok {
				columns[f.Name] = idx
				continue
			}
			if f.Required {
				missing = append(missing, f.Name)
			}
		}
	}

	if len(missing) > 0 {
		return nil, &MissingColumnsError{Dataset: schema.Dataset, Fields: missing}
	}
	return columns, nil
}

// lookup returns the left-most column matching the field name or any synonym.
func lookup(index map[string]int, f FieldSpec) (int, bool) {
	candidates := make([]int, 0, 1)
	for _, name := range append([]string{f.Name}, f.Synonyms...) {
		if idx, ok := index[normalizeHeader(name)]; ok {
			candidates = append(candidates, idx)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Ints(candidates)
	return candidates[0], true
}

func normalizeHeader(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}
