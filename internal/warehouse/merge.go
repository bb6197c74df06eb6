package warehouse

import (
	"fmt"
	"strings"

	"target-redshift/internal/catalog"
)

// MergeOptions selects which merge strategy MergeStatements renders
// for moving a loaded temp table into the target.
type MergeOptions struct {
	KeyColumns  []string // sanitized key column names; empty means no primary key
	SkipUpdates bool
	HardDelete  bool
}

// MergeStatements renders the ordered statements that move rows from
// a loaded temp table into the target table:
//
//   - primary key, default: DELETE matching target rows, then INSERT
//     all temp rows (last-writer-wins via COPY ordering upstream).
//   - primary key, skip_updates: INSERT only rows whose key is not
//     already present in target.
//   - no primary key: plain INSERT of every temp row.
//   - hard_delete (implies add_metadata_columns upstream): after the
//     merge, delete every target row whose _SDC_DELETED_AT is set.
func MergeStatements(schemaName, table, tempTable string, schema *catalog.Schema, opts MergeOptions) []string {
	target := QualifiedTable(schemaName, table)
	temp := QualifiedTable(schemaName, tempTable)
	columns := joinColumnNames(schema)
	// An explicit target column list pins the INSERT to schema.Order by
	// name rather than by position, so a target whose physical column
	// order has drifted from schema.Order (new columns land at the end
	// via ALTER TABLE, but schema.Order is recomputed fresh per SCHEMA
	// message) still receives each value in the right column.
	targetColumns := fmt.Sprintf("(%s)", columns)

	var stmts []string

	switch {
	case len(opts.KeyColumns) == 0:
		stmts = append(stmts, fmt.Sprintf("INSERT INTO %s %s SELECT %s FROM %s", target, targetColumns, columns, temp))

	case opts.SkipUpdates:
		stmts = append(stmts, fmt.Sprintf(
			"INSERT INTO %s %s SELECT %s FROM %s t WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s)",
			target, targetColumns, columns, temp, target, keyEquality("t", target, opts.KeyColumns),
		))

	default:
		stmts = append(stmts,
			fmt.Sprintf("DELETE FROM %s USING %s WHERE %s", target, temp, keyEquality(temp, target, opts.KeyColumns)),
			fmt.Sprintf("INSERT INTO %s %s SELECT %s FROM %s", target, targetColumns, columns, temp),
		)
	}

	if opts.HardDelete {
		stmts = append(stmts, fmt.Sprintf(
			"DELETE FROM %s WHERE %s IS NOT NULL",
			target, QuoteIdent(sdcDeletedAt),
		))
	}

	return stmts
}

const sdcDeletedAt = "_SDC_DELETED_AT"

func joinColumnNames(schema *catalog.Schema) string {
	names := make([]string, len(schema.Order))
	for i, n := range schema.Order {
		names[i] = QuoteIdent(n)
	}
	return strings.Join(names, ", ")
}

// keyEquality renders "<side>.key1 = target.key1 AND <side>.key2 = ...",
// comparing each key column between tempRef (temp's own table name or
// alias) and the target's qualified name.
func keyEquality(tempRef, target string, keyColumns []string) string {
	parts := make([]string, len(keyColumns))
	for i, k := range keyColumns {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", tempRef, QuoteIdent(k), target, QuoteIdent(k))
	}
	return strings.Join(parts, " AND ")
}
