package stream_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"target-redshift/internal/catalog"
	"target-redshift/internal/jsonschema"
	"target-redshift/internal/stage"
	"target-redshift/internal/stream"
)

func parseNode(t *testing.T, raw string) *jsonschema.Node {
	t.Helper()
	n, err := jsonschema.Parse(json.RawMessage(raw))
	require.NoError(t, err)
	return n
}

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	reg := stream.NewRegistry()
	a := reg.GetOrCreate("orders", "public", "ORDERS")
	b := reg.GetOrCreate("orders", "public", "ORDERS")
	require.Same(t, a, b)
	require.Equal(t, 1, reg.Len())
}

func TestApplySchemaDetectsNewColumns(t *testing.T) {
	reg := stream.NewRegistry()
	s := reg.GetOrCreate("orders", "public", "ORDERS")

	root := parseNode(t, `{"type": "object", "properties": {"id": {"type": "integer"}}}`)
	update, err := s.ApplySchema(root, []string{"id"}, catalog.FlattenOptions{MaxLevel: 1}, false)
	require.NoError(t, err)
	require.True(t, update.Changed)
	require.Contains(t, update.NewColumns, "ID")

	root2 := parseNode(t, `{"type": "object", "properties": {"id": {"type": "integer"}, "name": {"type": "string"}}}`)
	update2, err := s.ApplySchema(root2, []string{"id"}, catalog.FlattenOptions{MaxLevel: 1}, false)
	require.NoError(t, err)
	require.True(t, update2.Changed)
	require.Equal(t, []string{"NAME"}, update2.NewColumns)
}

func TestApplySchemaNoNewColumnsIsUnchanged(t *testing.T) {
	reg := stream.NewRegistry()
	s := reg.GetOrCreate("orders", "public", "ORDERS")

	root := parseNode(t, `{"type": "object", "properties": {"id": {"type": "integer"}}}`)
	_, err := s.ApplySchema(root, []string{"id"}, catalog.FlattenOptions{MaxLevel: 1}, false)
	require.NoError(t, err)

	update, err := s.ApplySchema(root, []string{"id"}, catalog.FlattenOptions{MaxLevel: 1}, false)
	require.NoError(t, err)
	require.False(t, update.Changed)
	require.Empty(t, update.NewColumns)
}

func TestApplySchemaMergesMetadataColumnsWhenEnabled(t *testing.T) {
	reg := stream.NewRegistry()
	s := reg.GetOrCreate("orders", "public", "ORDERS")

	root := parseNode(t, `{"type": "object", "properties": {"id": {"type": "integer"}}}`)
	update, err := s.ApplySchema(root, []string{"id"}, catalog.FlattenOptions{MaxLevel: 1}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"_SDC_EXTRACTED_AT", "_SDC_RECEIVED_AT", "_SDC_BATCHED_AT", "_SDC_DELETED_AT", "_SDC_SEQUENCE", "_SDC_TABLE_VERSION", "ID"}, update.Columns.Order)
}

func TestPeekNewColumnsReportsAdditionsWithoutMutating(t *testing.T) {
	reg := stream.NewRegistry()
	s := reg.GetOrCreate("orders", "public", "ORDERS")

	root := parseNode(t, `{"type": "object", "properties": {"id": {"type": "integer"}}}`)
	_, err := s.ApplySchema(root, []string{"id"}, catalog.FlattenOptions{MaxLevel: 1}, false)
	require.NoError(t, err)

	root2 := parseNode(t, `{"type": "object", "properties": {"id": {"type": "integer"}, "name": {"type": "string"}}}`)
	added, err := s.PeekNewColumns(root2, catalog.FlattenOptions{MaxLevel: 1}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"NAME"}, added)
	require.Equal(t, []string{"ID"}, s.Columns().Order) // unchanged until ApplySchema is called
}

func TestBatchLazyCreationAndRotate(t *testing.T) {
	dir := t.TempDir()
	reg := stream.NewRegistry()
	s := reg.GetOrCreate("orders", "public", "ORDERS")

	s.Lock()
	defer s.Unlock()

	newWriter := func() (*stage.Writer, error) { return stage.NewWriter(dir, "orders", stage.None) }

	b, err := s.Batch(newWriter)
	require.NoError(t, err)
	require.NoError(t, b.Writer.WriteRow("1,a\n"))

	sealed, err := s.RotateBatch(newWriter)
	require.NoError(t, err)
	require.Equal(t, int64(1), sealed.Rows)

	b2, err := s.Batch(newWriter)
	require.NoError(t, err)
	require.Equal(t, int64(0), b2.Writer.Rows())
}

func TestPendingVersionRoundTrip(t *testing.T) {
	reg := stream.NewRegistry()
	s := reg.GetOrCreate("orders", "public", "ORDERS")

	require.Nil(t, s.TakePendingVersion())
	s.SetPendingVersion(42)
	v := s.TakePendingVersion()
	require.NotNil(t, v)
	require.Equal(t, int64(42), *v)
	require.Nil(t, s.TakePendingVersion())
}
