// Package record projects and validates a raw tap record against a
// flattened schema, producing an ordered row of CSV field values.
package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"target-redshift/internal/catalog"
)

// Options controls record-normalization policy, sourced from config
// (validate_records, add_metadata_columns).
type Options struct {
	ValidateRecords    bool
	AddMetadataColumns bool
}

// InvalidValue is returned by Normalize when ValidateRecords is true
// and a field's value cannot be coerced to its declared column type.
// The stream name and record locator are attached by the caller,
// which is closer to the protocol layer.
type InvalidValue struct {
	Column string
	Value  interface{}
	Reason string
}

func (e *InvalidValue) Error() string {
	return fmt.Sprintf("record: column %q: %s (value %v)", e.Column, e.Reason, e.Value)
}

// Normalize walks raw along the same paths Flatten used to produce
// schema, and returns one CSV field per schema column (in schema.Order
// order), with metadata columns prepended when opts.AddMetadataColumns
// is set. schema may already carry the fixed metadata columns merged
// in (catalog.Schema.PrependColumns, done at ApplySchema time so DDL
// sees them too); Normalize skips those names in the schema.Order walk
// since it renders them itself from meta, in the same fixed order, to
// avoid emitting them twice.
func Normalize(schema *catalog.Schema, raw map[string]interface{}, meta Metadata, opts Options) ([]string, error) {
	var row []string

	if opts.AddMetadataColumns {
		values := meta.values()
		for _, col := range MetadataColumns() {
			row = append(row, values[col.Name])
		}
	}

	for _, name := range schema.Order {
		if opts.AddMetadataColumns && IsMetadataColumn(name) {
			continue
		}
		col := schema.Columns[name]
		value := navigate(raw, schema.Path(name))
		field, err := renderField(col, value, opts)
		if err != nil {
			return nil, err
		}
		row = append(row, field)
	}
	return row, nil
}

// navigate walks a dot-joined path ("a.b.c") through nested
// map[string]interface{} values, returning nil if any segment is
// absent or not an object.
func navigate(raw map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	segments := strings.Split(path, ".")
	var cur interface{} = raw
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		v, present := m[seg]
		if !present {
			return nil
		}
		cur = v
	}
	return cur
}

func renderField(col catalog.Column, value interface{}, opts Options) (string, error) {
	if value == nil {
		return "", nil
	}

	switch col.Type {
	case catalog.TypeSuper:
		return renderSuper(value)
	case catalog.TypeTimestamp, catalog.TypeDate:
		return renderTemporal(col, value, opts)
	case catalog.TypeNumeric:
		return renderInteger(col, value, opts)
	case catalog.TypeFloat:
		return renderFloat(col, value)
	case catalog.TypeBoolean:
		return renderBoolean(col, value, opts)
	default:
		return renderString(value)
	}
}

func renderSuper(value interface{}) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("record: serializing SUPER value: %w", err)
	}
	return string(b), nil
}

func renderTemporal(col catalog.Column, value interface{}, opts Options) (string, error) {
	s, ok := value.(string)
	if !ok {
		if opts.ValidateRecords {
			return "", &InvalidValue{Column: col.Name, Value: value, Reason: "expected an ISO-8601 string"}
		}
		return "", nil
	}
	if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
		if _, err2 := time.Parse("2006-01-02", s); err2 != nil {
			if opts.ValidateRecords {
				return "", &InvalidValue{Column: col.Name, Value: value, Reason: "not a valid ISO-8601 timestamp"}
			}
			return "", nil
		}
	}
	return s, nil
}

func renderInteger(col catalog.Column, value interface{}, opts Options) (string, error) {
	switch v := value.(type) {
	case json.Number:
		i, err := v.Int64()
		if err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		f, err := v.Float64()
		if err != nil {
			return invalidNumeric(col, value, opts)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", nil
		}
		return strconv.FormatInt(int64(f), 10), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", nil
		}
		return strconv.FormatInt(int64(v), 10), nil
	case string:
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return invalidNumeric(col, value, opts)
		}
		return v, nil
	default:
		return invalidNumeric(col, value, opts)
	}
}

func renderFloat(col catalog.Column, value interface{}) (string, error) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return v.String(), nil
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", nil
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return fmt.Sprintf("%v", value), nil
	}
}

func renderBoolean(col catalog.Column, value interface{}, opts Options) (string, error) {
	b, ok := value.(bool)
	if !ok {
		if opts.ValidateRecords {
			return "", &InvalidValue{Column: col.Name, Value: value, Reason: "expected a boolean"}
		}
		return "", nil
	}
	if b {
		return "true", nil
	}
	return "false", nil
}

func renderString(value interface{}) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("record: rendering string value: %w", err)
	}
	return string(b), nil
}

func invalidNumeric(col catalog.Column, value interface{}, opts Options) (string, error) {
	if opts.ValidateRecords {
		return "", &InvalidValue{Column: col.Name, Value: value, Reason: "expected a numeric value"}
	}
	return "", nil
}
