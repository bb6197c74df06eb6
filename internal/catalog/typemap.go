package catalog

import "target-redshift/internal/jsonschema"

// DefaultVarcharLength is CHARACTER VARYING(10000), used whenever a
// string node has no maxLength and the caller supplied no override.
const DefaultVarcharLength = 10000

// MaxVarcharLength is Redshift's hard cap on a CHARACTER VARYING column.
const MaxVarcharLength = 65535

// TypeOptions carries the caller-supplied knobs ColumnType honors: a
// global override of the default VARCHAR length.
type TypeOptions struct {
	DefaultVarcharLength int
}

func (o TypeOptions) varcharDefault() int {
	if o.DefaultVarcharLength > 0 {
		return o.DefaultVarcharLength
	}
	return DefaultVarcharLength
}

// ColumnType resolves a single scalar jsonschema.Node to a warehouse
// column, implementing the JSON-Schema-to-warehouse type lattice. It
// never errors: an unrecognized shape falls through to the default
// VARCHAR.
func ColumnType(n *jsonschema.Node, opts TypeOptions) Column {
	if n == nil {
		return Column{Type: TypeVarchar, VarcharLength: opts.varcharDefault(), Nullable: true}
	}

	switch n.Kind {
	case jsonschema.KindUnion:
		var resolved Column
		if len(n.Union) > 0 {
			resolved = ColumnType(n.Union[0], opts)
		} else {
			resolved = Column{Type: TypeVarchar, VarcharLength: opts.varcharDefault()}
		}
		resolved.Nullable = resolved.Nullable || n.Nullable
		return resolved

	case jsonschema.KindObject, jsonschema.KindArray:
		return Column{Type: TypeSuper}

	case jsonschema.KindScalar:
		return scalarColumnType(n, opts)

	default:
		return Column{Type: TypeVarchar, VarcharLength: opts.varcharDefault()}
	}
}

func scalarColumnType(n *jsonschema.Node, opts TypeOptions) Column {
	switch n.ScalarType {
	case "string":
		switch n.Format {
		case "date-time":
			return Column{Type: TypeTimestamp}
		case "time":
			return Column{Type: TypeVarchar, VarcharLength: 16}
		case "date":
			return Column{Type: TypeDate}
		}
		if n.MaxLength != nil {
			length := int(*n.MaxLength) * 3
			if length > MaxVarcharLength {
				length = MaxVarcharLength
			}
			if length < 1 {
				length = 1
			}
			return Column{Type: TypeVarchar, VarcharLength: length}
		}
		return Column{Type: TypeVarchar, VarcharLength: opts.varcharDefault()}

	case "integer":
		return Column{Type: TypeNumeric}

	case "number":
		return Column{Type: TypeFloat}

	case "boolean":
		return Column{Type: TypeBoolean}

	case "null":
		return Column{Type: TypeVarchar, VarcharLength: opts.varcharDefault(), Nullable: true}

	default:
		return Column{Type: TypeVarchar, VarcharLength: opts.varcharDefault()}
	}
}
