package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"target-redshift/internal/catalog"
)

func schemaFixture(t *testing.T) *catalog.Schema {
	t.Helper()
	s := catalog.NewSchema()
	require.NoError(t, s.Add(catalog.Column{Name: "ID", Type: catalog.TypeNumeric, Nullable: false}, "id"))
	require.NoError(t, s.Add(catalog.Column{Name: "EMAIL", Type: catalog.TypeVarchar, VarcharLength: 256, Nullable: true}, "email"))
	require.NoError(t, s.Add(catalog.Column{Name: "CREATED_AT", Type: catalog.TypeTimestamp, Nullable: true}, "created_at"))
	return s
}

func TestCreateTableStatementIncludesPrimaryKey(t *testing.T) {
	s := schemaFixture(t)
	stmt := CreateTableStatement("analytics", "users", s, []string{"ID"})

	assert.Contains(t, stmt, `CREATE TABLE "analytics"."users"`)
	assert.Contains(t, stmt, `"ID" NUMERIC(38,0) NOT NULL`)
	assert.Contains(t, stmt, `"EMAIL" CHARACTER VARYING(256)`)
	assert.Contains(t, stmt, `PRIMARY KEY ("ID")`)
}

func TestCreateTableStatementWithoutKeyColumnsOmitsPrimaryKey(t *testing.T) {
	s := schemaFixture(t)
	stmt := CreateTableStatement("analytics", "users", s, nil)
	assert.NotContains(t, stmt, "PRIMARY KEY")
}

func TestAddColumnStatementsOnlyRendersRequestedColumns(t *testing.T) {
	s := schemaFixture(t)
	stmts := AddColumnStatements("analytics", "users", s, []string{"EMAIL"})
	require.Len(t, stmts, 1)
	assert.Equal(t, `ALTER TABLE "analytics"."users" ADD COLUMN "EMAIL" CHARACTER VARYING(256)`, stmts[0])
}

func TestWidenVarcharStatement(t *testing.T) {
	col := catalog.Column{Name: "EMAIL", Type: catalog.TypeVarchar, VarcharLength: 512}
	stmt := WidenVarcharStatement("analytics", "users", col)
	assert.Equal(t, `ALTER TABLE "analytics"."users" ALTER COLUMN "EMAIL" TYPE CHARACTER VARYING(512)`, stmt)
}

func TestQuoteIdentDoublesEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
}

func TestQualifiedTable(t *testing.T) {
	assert.Equal(t, `"public"."events"`, QualifiedTable("public", "events"))
}

func TestTempTableNameIsSanitizedAndStable(t *testing.T) {
	name := TempTableName("events", "abc123")
	assert.Equal(t, "EVENTS_TEMP_ABC123", name)
}
