package warehouse

import (
	"strconv"
	"strings"

	"target-redshift/internal/catalog"
)

// ColumnDiff is the result of comparing a declared flattened schema
// against the warehouse's existing columns for a table.
type ColumnDiff struct {
	NewColumns    []string         // safe names present in schema but not existing
	WidenColumns  []catalog.Column // existing VARCHAR columns whose declared length grew
	IgnoredRetype []RetypeRequest  // any other declared-vs-existing type mismatch
}

// RetypeRequest records a column whose declared type no longer matches
// the warehouse's existing type, outside the one widening case this
// package performs automatically. Retype requests are reported and
// ignored, never executed.
type RetypeRequest struct {
	Column       string
	ExistingType string
	DeclaredType string
}

// DiffColumns compares schema (the just-flattened declared schema)
// against existing (the warehouse's current columns for the table),
// classifying every declared column as new, a VARCHAR-widening
// candidate, or an ignored retype. Columns are never dropped and
// existing columns absent from the declared schema are left alone —
// this is an additive-only diff, unlike a general schema-migration
// diff that also detects drops/renames.
func DiffColumns(schema *catalog.Schema, existing []ExistingColumn) ColumnDiff {
	existingByName := make(map[string]ExistingColumn, len(existing))
	for _, e := range existing {
		existingByName[e.Name] = e
	}

	var diff ColumnDiff
	for _, name := range schema.Order {
		declared := schema.Columns[name]
		ex, found := existingByName[name]
		if !found {
			diff.NewColumns = append(diff.NewColumns, name)
			continue
		}

		if declared.Type == catalog.TypeVarchar && isVarchar(ex.DataType) {
			if existingLen, ok := varcharLength(ex.DataType); ok && declared.VarcharLength > existingLen {
				diff.WidenColumns = append(diff.WidenColumns, declared)
			}
			continue
		}

		if !typesCompatible(declared, ex) {
			diff.IgnoredRetype = append(diff.IgnoredRetype, RetypeRequest{
				Column:       name,
				ExistingType: ex.DataType,
				DeclaredType: declared.DDL(),
			})
		}
	}
	return diff
}

func isVarchar(dataType string) bool {
	d := strings.ToLower(dataType)
	return strings.Contains(d, "character varying") || strings.Contains(d, "varchar")
}

// varcharLength extracts the length from a data type string like
// "character varying(10000)" reported by information_schema.
func varcharLength(dataType string) (int, bool) {
	open := strings.IndexByte(dataType, '(')
	shut := strings.IndexByte(dataType, ')')
	if open < 0 || shut < 0 || shut < open {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(dataType[open+1 : shut]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// typesCompatible is a loose equivalence check between our declared
// WarehouseType and Redshift's information_schema.data_type spelling,
// used only to decide whether to report a RetypeRequest for
// diagnostics. It is intentionally permissive: false positives here
// only produce an extra logged-and-ignored warning, never a failure.
func typesCompatible(declared catalog.Column, existing ExistingColumn) bool {
	d := strings.ToLower(existing.DataType)
	switch declared.Type {
	case catalog.TypeTimestamp:
		return strings.Contains(d, "timestamp")
	case catalog.TypeDate:
		return strings.Contains(d, "date")
	case catalog.TypeNumeric:
		return strings.Contains(d, "numeric")
	case catalog.TypeFloat:
		return strings.Contains(d, "double") || strings.Contains(d, "float") || strings.Contains(d, "real")
	case catalog.TypeBoolean:
		return strings.Contains(d, "bool")
	case catalog.TypeSuper:
		return strings.Contains(d, "super")
	case catalog.TypeBigInt:
		return strings.Contains(d, "bigint") || strings.Contains(d, "int8")
	case catalog.TypeVarchar:
		return isVarchar(existing.DataType)
	default:
		return true
	}
}
