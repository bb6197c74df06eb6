package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeStatementClassifiesCreateTable(t *testing.T) {
	a := AnalyzeStatement(`CREATE TABLE "public"."events" (...)`)
	assert.Equal(t, KindCreateTable, a.Kind)
	assert.False(t, a.Destructive)
}

func TestAnalyzeStatementClassifiesDestructiveAlter(t *testing.T) {
	a := AnalyzeStatement(`ALTER TABLE "public"."events" DROP COLUMN "x"`)
	assert.Equal(t, KindAlterTable, a.Kind)
	assert.True(t, a.Destructive)
}

func TestAnalyzeStatementClassifiesNonDestructiveAlter(t *testing.T) {
	a := AnalyzeStatement(`ALTER TABLE "public"."events" ADD COLUMN "y" BIGINT`)
	assert.Equal(t, KindAlterTable, a.Kind)
	assert.False(t, a.Destructive)
}

func TestAnalyzeStatementClassifiesDeleteAsDestructive(t *testing.T) {
	a := AnalyzeStatement(`DELETE FROM "public"."events" WHERE 1=1`)
	assert.Equal(t, KindDelete, a.Kind)
	assert.True(t, a.Destructive)
}

func TestAnalyzeStatementClassifiesCopy(t *testing.T) {
	a := AnalyzeStatement(`COPY "public"."events_temp" FROM 's3://bucket/x'`)
	assert.Equal(t, KindCopy, a.Kind)
}

func TestAnalyzeStatementUnknownStatement(t *testing.T) {
	a := AnalyzeStatement(`VACUUM`)
	assert.Equal(t, KindUnknown, a.Kind)
	assert.False(t, a.Kind.Transactional())
}

func TestAnalyzePlanClassifiesEveryStatement(t *testing.T) {
	plan := &LoadPlan{
		DDL:   []string{"CREATE TABLE t (x int)"},
		Copy:  []string{"COPY t FROM 's3://x'"},
		Merge: []string{"DELETE FROM t USING s WHERE x"},
	}
	analyses := AnalyzePlan(plan)
	assert.Len(t, analyses, 3)
	assert.Equal(t, KindCreateTable, analyses[0].Kind)
	assert.Equal(t, KindCopy, analyses[1].Kind)
	assert.Equal(t, KindDelete, analyses[2].Kind)
}
