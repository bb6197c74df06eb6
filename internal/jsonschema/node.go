// Package jsonschema is a minimal, purpose-built representation of the
// JSON-Schema fragments a Singer-protocol tap embeds in its SCHEMA
// messages. It is deliberately narrower than a general JSON-Schema
// library: it models exactly the shapes needed to resolve a warehouse
// column type and to flatten nested objects, as a tagged variant
// rather than the dynamic keyword-dispatch a dynamically-typed tap
// implementation would use.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies which shape a Node takes. Exactly one of the
// corresponding fields on Node is meaningful for a given Kind.
type Kind int

const (
	// KindScalar covers string/integer/number/boolean and the
	// catch-all "unknown" case from the column type lattice.
	KindScalar Kind = iota
	// KindObject is a `type: object` node with a `properties` map.
	KindObject
	// KindArray is a `type: array` node (or an object with no
	// properties); arrays are never recursed into.
	KindArray
	// KindUnion is an `anyOf`/`oneOf` node, or a `type` array such as
	// ["string", "null"].
	KindUnion
)

// Node is one fragment of a flattened JSON-Schema tree.
type Node struct {
	Kind Kind

	// Scalar fields.
	ScalarType string // "string", "integer", "number", "boolean", or "" (unknown)
	Format     string // e.g. "date-time", "date", "time"
	MaxLength  *int64

	// Object fields.
	Properties map[string]*Node
	// PropertyOrder preserves declaration order for deterministic
	// flattening.
	PropertyOrder []string

	// Union members, in declaration order. The first non-null member
	// is the one the flattener/type-mapper resolves against:
	// anyOf/oneOf collapse to the first branch that is not null.
	Union []*Node

	// Nullable is set when a union contains a "null" branch/type, so
	// the resolved column is marked nullable regardless of which
	// concrete branch wins.
	Nullable bool
}

// IsNull reports whether this node is the literal {"type": "null"} leaf.
func (n *Node) IsNull() bool {
	return n != nil && n.Kind == KindScalar && n.ScalarType == "null"
}

// rawNode mirrors the subset of JSON-Schema keywords Parse understands.
type rawNode struct {
	Type       json.RawMessage        `json:"type"`
	Format     string                 `json:"format"`
	MaxLength  *int64                 `json:"maxLength"`
	Properties json.RawMessage        `json:"properties"`
	AnyOf      []rawNode              `json:"anyOf"`
	OneOf      []rawNode              `json:"oneOf"`
	Items      map[string]interface{} `json:"items"`
}

// Parse decodes a raw JSON-Schema fragment (as embedded in a SCHEMA
// message) into a Node tree.
func Parse(raw json.RawMessage) (*Node, error) {
	var rn rawNode
	if err := json.Unmarshal(raw, &rn); err != nil {
		return nil, fmt.Errorf("jsonschema: decode: %w", err)
	}
	return parseRaw(&rn, "")
}

func parseRaw(rn *rawNode, path string) (*Node, error) {
	types, err := decodeTypeField(rn.Type)
	if err != nil {
		return nil, fmt.Errorf("jsonschema: %s: %w", path, err)
	}

	if len(rn.AnyOf) > 0 || len(rn.OneOf) > 0 {
		return parseCombinator(rn, path)
	}

	if len(types) > 1 {
		return parseTypeArray(rn, types, path)
	}

	t := ""
	if len(types) == 1 {
		t = types[0]
	}

	switch t {
	case "object":
		return parseObject(rn, path)
	case "array":
		return &Node{Kind: KindArray}, nil
	default:
		return &Node{Kind: KindScalar, ScalarType: t, Format: rn.Format, MaxLength: rn.MaxLength}, nil
	}
}

func parseObject(rn *rawNode, path string) (*Node, error) {
	order, err := propertyOrder(rn, path)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		// object with no declared properties: emitted as SUPER
		// regardless of flattening depth.
		return &Node{Kind: KindArray}, nil
	}

	var props map[string]rawNode
	if err := json.Unmarshal(rn.Properties, &props); err != nil {
		return nil, fmt.Errorf("jsonschema: %s: properties: %w", path, err)
	}

	node := &Node{
		Kind:          KindObject,
		Properties:    make(map[string]*Node, len(order)),
		PropertyOrder: order,
	}

	for _, name := range order {
		child := props[name]
		childPath := name
		if path != "" {
			childPath = path + "." + name
		}
		parsed, err := parseRaw(&child, childPath)
		if err != nil {
			return nil, err
		}
		node.Properties[name] = parsed
	}
	return node, nil
}

func parseCombinator(rn *rawNode, path string) (*Node, error) {
	branches := rn.AnyOf
	if len(branches) == 0 {
		branches = rn.OneOf
	}
	union := &Node{Kind: KindUnion}
	for i, b := range branches {
		n, err := parseRaw(&b, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		if n.IsNull() {
			union.Nullable = true
			continue
		}
		union.Union = append(union.Union, n)
	}
	return union, nil
}

func parseTypeArray(rn *rawNode, types []string, path string) (*Node, error) {
	union := &Node{Kind: KindUnion}
	for _, t := range types {
		if t == "null" {
			union.Nullable = true
			continue
		}
		sub := *rn
		sub.Type = mustMarshal(t)
		n, err := parseRaw(&sub, path)
		if err != nil {
			return nil, err
		}
		union.Union = append(union.Union, n)
	}
	return union, nil
}

func mustMarshal(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// decodeTypeField accepts both `"type": "string"` and
// `"type": ["string", "null"]` forms.
func decodeTypeField(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}
	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		return multi, nil
	}
	return nil, fmt.Errorf("unsupported \"type\" value: %s", string(raw))
}

// propertyOrder recovers declaration order for a properties object.
// encoding/json's map decoding loses key order, so this re-scans the
// raw "properties" bytes with a token-stream decoder, recording each
// key as it's read and skipping over its value (which may itself be an
// arbitrarily nested object/array) without fully parsing it. This is
// what makes flattening's column order deterministic and stable,
// matching the tap's own declaration order.
func propertyOrder(rn *rawNode, path string) ([]string, error) {
	if len(rn.Properties) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(rn.Properties))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("jsonschema: %s: properties: %w", path, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("jsonschema: %s: properties: expected an object", path)
	}

	var order []string
	seen := make(map[string]bool)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("jsonschema: %s: properties: %w", path, err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("jsonschema: %s: properties: non-string key", path)
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("jsonschema: %s: properties.%s: %w", path, key, err)
		}
		if !seen[key] {
			seen[key] = true
			order = append(order, key)
		}
	}
	return order, nil
}
