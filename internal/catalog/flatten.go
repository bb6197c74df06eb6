package catalog

import (
	"fmt"

	"target-redshift/internal/identifier"
	"target-redshift/internal/jsonschema"
)

// FlattenOptions carries the knobs Flatten needs from config: the
// depth bound and the VARCHAR-length override.
type FlattenOptions struct {
	MaxLevel int
	Types    TypeOptions
}

// CyclicSchema is returned by Flatten when a node is encountered more
// than once on the same root-to-node path. Cyclic and recursive
// JSON-Schemas are unsupported: the visit fails rather than looping.
type CyclicSchema struct {
	Path string
}

func (e *CyclicSchema) Error() string {
	return fmt.Sprintf("catalog: cyclic schema detected at path %q", e.Path)
}

// Flatten lowers root to a flat Schema: root's own
// declared properties are always the table's initial column set (this
// is the stream's schema, not a nested value); each of those, if it is
// itself a `type: object` with properties, is recursed into while its
// depth < MaxLevel, joining parent and child names with "__". Beyond
// the depth bound, or for any object/array without declared
// properties, the node is emitted whole as a single SUPER column.
// Arrays are never recursed into. `MaxLevel == 0` disables flattening
// entirely: every top-level object/array property becomes SUPER.
func Flatten(root *jsonschema.Node, opts FlattenOptions) (*Schema, error) {
	schema := NewSchema()
	visited := make(map[*jsonschema.Node]bool)

	resolved := resolveUnion(root)
	if resolved.Kind != jsonschema.KindObject {
		return schema, nil
	}

	for _, name := range resolved.PropertyOrder {
		child := resolved.Properties[name]
		safeName := identifier.SafeColumnName(name)
		if err := flattenNode(schema, child, safeName, name, 0, opts, visited); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

func flattenNode(schema *Schema, n *jsonschema.Node, safeName, path string, depth int, opts FlattenOptions, visited map[*jsonschema.Node]bool) error {
	if n == nil {
		return nil
	}
	if visited[n] {
		return &CyclicSchema{Path: path}
	}

	resolved := resolveUnion(n)

	if resolved.Kind == jsonschema.KindObject && depth < opts.MaxLevel {
		visited[resolved] = true
		defer delete(visited, resolved)

		for _, name := range resolved.PropertyOrder {
			child := resolved.Properties[name]
			childSafe := identifier.SafeColumnName(name)
			if safeName != "" {
				childSafe = identifier.SafeColumnName(safeName + "__" + name)
			}
			childPath := name
			if path != "" {
				childPath = path + "." + name
			}
			if err := flattenNode(schema, child, childSafe, childPath, depth+1, opts, visited); err != nil {
				return err
			}
		}
		return nil
	}

	// Leaf: either a scalar, or an object/array beyond the depth bound
	// (or with no properties, already normalized to KindArray by the
	// parser) — emit as one column.
	col := ColumnType(resolved, opts.Types)
	col.Nullable = col.Nullable || resolved.Nullable
	col.Name = safeName
	if col.Name == "" {
		col.Name = identifier.SafeColumnName(path)
	}
	return schema.Add(col, path)
}

// resolveUnion collapses a KindUnion node to its first non-null
// branch, propagating nullability. A union with no non-null branch
// resolves to the node itself.
func resolveUnion(n *jsonschema.Node) *jsonschema.Node {
	if n.Kind != jsonschema.KindUnion {
		return n
	}
	if len(n.Union) == 0 {
		return n
	}
	branch := resolveUnion(n.Union[0])
	clone := *branch
	clone.Nullable = clone.Nullable || n.Nullable
	return &clone
}
