package report_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"target-redshift/internal/report"
	"target-redshift/internal/warehouse"
)

func TestNewFormatterDefaultsToHuman(t *testing.T) {
	f, err := report.NewFormatter("")
	require.NoError(t, err)
	s, err := f.FormatPlan(&warehouse.LoadPlan{Stream: "orders", Schema: "public", Table: "orders"})
	require.NoError(t, err)
	assert.Contains(t, s, "orders -> public.orders")
}

func TestNewFormatterJSON(t *testing.T) {
	f, err := report.NewFormatter("json")
	require.NoError(t, err)
	s, err := f.FormatPlan(&warehouse.LoadPlan{Stream: "orders"})
	require.NoError(t, err)
	assert.Contains(t, s, `"stream":"orders"`)
}

func TestNewFormatterRejectsUnknown(t *testing.T) {
	_, err := report.NewFormatter("yaml")
	require.Error(t, err)
}

func TestReporterPlanWritesToOut(t *testing.T) {
	var buf bytes.Buffer
	r, err := report.NewReporter(&buf, "human")
	require.NoError(t, err)
	r.Plan(&warehouse.LoadPlan{Stream: "orders", Schema: "public", Table: "orders"})
	assert.Contains(t, buf.String(), "orders -> public.orders")
}
