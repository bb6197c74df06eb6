// Package catalog resolves JSON-Schema fragments into warehouse column
// types and flattens nested schemas into the flat column sets a
// Redshift table actually has. It is the statically-typed analogue of
// what a dynamically-typed tap implementation would do with ad-hoc
// dict walks: a tagged node representation (internal/jsonschema) plus
// a flattening visitor.
package catalog

import "fmt"

// WarehouseType is one of the column types the type lattice can
// produce.
type WarehouseType int

const (
	TypeTimestamp WarehouseType = iota
	TypeVarchar
	TypeDate
	TypeNumeric
	TypeFloat
	TypeBoolean
	TypeSuper
	// TypeBigInt is used only for the fixed metadata columns
	// (_SDC_SEQUENCE, _SDC_TABLE_VERSION), which carry fixed types
	// outside the JSON-Schema-driven lattice.
	TypeBigInt
)

func (t WarehouseType) String() string {
	switch t {
	case TypeTimestamp:
		return "TIMESTAMP WITHOUT TIME ZONE"
	case TypeDate:
		return "DATE"
	case TypeNumeric:
		return "NUMERIC(38,0)"
	case TypeFloat:
		return "FLOAT"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeSuper:
		return "SUPER"
	case TypeVarchar:
		return "CHARACTER VARYING"
	case TypeBigInt:
		return "BIGINT"
	default:
		return "UNKNOWN"
	}
}

// Column is one resolved column of a flattened schema: a safe name, its
// warehouse type, and (for VARCHAR) a length.
type Column struct {
	Name          string
	Type          WarehouseType
	VarcharLength int // meaningful only when Type == TypeVarchar
	Nullable      bool
}

// DDL renders the column's type fragment as it appears in a CREATE/ALTER
// statement, e.g. "CHARACTER VARYING(10000)" or "NUMERIC(38,0)".
func (c Column) DDL() string {
	if c.Type == TypeVarchar {
		return fmt.Sprintf("CHARACTER VARYING(%d)", c.VarcharLength)
	}
	return c.Type.String()
}

// Schema is a flattened schema: an ordered set of columns, keyed by
// safe column name for O(1) lookup, preserving the deterministic order
// flattening produced.
type Schema struct {
	Order   []string
	Columns map[string]Column

	// paths tracks, per column name, the source JSON-Schema path it was
	// derived from. It exists only to produce a useful
	// DuplicateColumnAfterFlattening error message.
	paths map[string]string
}

// NewSchema returns an empty Schema ready for Add.
func NewSchema() *Schema {
	return &Schema{Columns: make(map[string]Column), paths: make(map[string]string)}
}

// DuplicateColumnAfterFlattening is returned by Add when two distinct
// source paths sanitize to the same column name.
type DuplicateColumnAfterFlattening struct {
	Name      string
	FirstPath string
	NewPath   string
}

func (e *DuplicateColumnAfterFlattening) Error() string {
	return fmt.Sprintf("catalog: column %q: paths %q and %q collide after flattening", e.Name, e.FirstPath, e.NewPath)
}

// Add inserts col into the schema, associating it with the path it was
// flattened from. It returns *DuplicateColumnAfterFlattening if a
// different path already produced the same column name.
func (s *Schema) Add(col Column, path string) error {
	if _, ok := s.Columns[col.Name]; ok {
		prior := s.paths[col.Name]
		if prior != path {
			return &DuplicateColumnAfterFlattening{Name: col.Name, FirstPath: prior, NewPath: path}
		}
		return nil
	}
	s.Columns[col.Name] = col
	s.Order = append(s.Order, col.Name)
	s.paths[col.Name] = path
	return nil
}

// Path returns the source JSON-Schema path a column was flattened
// from, dot-joined (e.g. "address.city"). Used by the record
// normalizer to navigate a raw record along the same walk that
// produced the column.
func (s *Schema) Path(columnName string) string {
	return s.paths[columnName]
}

// PrependColumns returns a new Schema with cols inserted ahead of s's
// existing columns, in the order given. Used to merge the fixed
// metadata columns (internal/record.MetadataColumns) into a stream's
// flattened schema before it reaches DDL/merge generation, so the
// warehouse table's physical columns match the leading fields
// internal/record.Normalize emits for every row.
// cols are assumed to carry no source path (they are sourced from
// message metadata, not a JSON-Schema walk). Returns
// *DuplicateColumnAfterFlattening if a declared column's safe name
// collides with one of cols.
func (s *Schema) PrependColumns(cols []Column) (*Schema, error) {
	out := NewSchema()
	for _, c := range cols {
		if err := out.Add(c, ""); err != nil {
			return nil, err
		}
	}
	for _, name := range s.Order {
		if err := out.Add(s.Columns[name], s.paths[name]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
