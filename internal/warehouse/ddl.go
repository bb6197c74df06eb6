package warehouse

import (
	"fmt"
	"strings"

	"target-redshift/internal/catalog"
)

// CreateTableStatement renders a CREATE TABLE for schema under
// schemaName.tableName, with a PRIMARY KEY clause when keyColumns is
// non-empty. keyColumns must already be
// sanitized column names (identifier.SafeColumnName of each declared
// key_properties path), matching schema.Columns keys.
func CreateTableStatement(schemaName, tableName string, schema *catalog.Schema, keyColumns []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", QualifiedTable(schemaName, tableName))
	for i, name := range schema.Order {
		col := schema.Columns[name]
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "  %s %s", QuoteIdent(col.Name), col.DDL())
		if !col.Nullable && containsIdent(keyColumns, col.Name) {
			b.WriteString(" NOT NULL")
		}
	}
	if len(keyColumns) > 0 {
		fmt.Fprintf(&b, ",\n  PRIMARY KEY (%s)", joinIdents(keyColumns))
	}
	b.WriteString("\n)")
	return b.String()
}

// AddColumnStatements renders one ALTER TABLE ADD COLUMN per name in
// newColumns, in order. DDL is additive only: never drop, never
// retype.
func AddColumnStatements(schemaName, tableName string, schema *catalog.Schema, newColumns []string) []string {
	stmts := make([]string, 0, len(newColumns))
	for _, name := range newColumns {
		col, ok := schema.Columns[name]
		if !ok {
			continue
		}
		stmts = append(stmts, fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN %s %s",
			QualifiedTable(schemaName, tableName), QuoteIdent(col.Name), col.DDL(),
		))
	}
	return stmts
}

// WidenVarcharStatement renders an ALTER TABLE ALTER COLUMN TYPE for
// widening an existing VARCHAR column's length when the declared
// maxLength grows. Redshift requires the new length to
// strictly exceed the old one; callers are expected to have already
// checked that.
func WidenVarcharStatement(schemaName, tableName string, col catalog.Column) string {
	return fmt.Sprintf(
		"ALTER TABLE %s ALTER COLUMN %s TYPE %s",
		QualifiedTable(schemaName, tableName), QuoteIdent(col.Name), col.DDL(),
	)
}

func containsIdent(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}
