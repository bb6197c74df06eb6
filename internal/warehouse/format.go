package warehouse

import (
	"fmt"
	"strings"

	"target-redshift/internal/identifier"
)

// QuoteIdent double-quotes a SQL identifier, doubling any embedded
// quote character. Every identifier this package emits into generated
// DDL/DML goes through here, which is why internal/identifier's
// reserved-word set only matters for diagnostics, not correctness.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedTable renders "schema"."table".
func QualifiedTable(schema, table string) string {
	return fmt.Sprintf("%s.%s", QuoteIdent(schema), QuoteIdent(table))
}

// TempTableName derives a transient table name from table and a
// per-load uuid suffix ("<table>_temp_<uuid>").
// Sanitized and length-bounded the same way any other identifier is.
func TempTableName(table, uuid string) string {
	return identifier.SafeTableName(fmt.Sprintf("%s_temp_%s", table, uuid))
}
