package warehouse

import "fmt"

const sdcTableVersion = "_SDC_TABLE_VERSION"

// ActivateVersionStatement renders the cleanup DELETE that applies a
// pending ACTIVATE_VERSION marker at flush time, clearing out rows
// left over from older table versions. It runs
// after the merge inserts the new version's rows, removing whatever
// rows still carry an older (or null) table version — the
// delete-then-insert-then-purge-stale-version sequence a full-table
// Singer sync uses to swap snapshots without a window where the table
// is empty.
func ActivateVersionStatement(schemaName, table string, version int64) string {
	return fmt.Sprintf(
		"DELETE FROM %s WHERE %s IS NULL OR %s <> %d",
		QualifiedTable(schemaName, table), QuoteIdent(sdcTableVersion), QuoteIdent(sdcTableVersion), version,
	)
}
