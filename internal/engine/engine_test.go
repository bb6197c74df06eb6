package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"target-redshift/internal/config"
	"target-redshift/internal/engine"
	"target-redshift/internal/report"
	"target-redshift/internal/warehouse"
)

// fakeLoader records every LoadRequest it sees and reports success
// (or, for a stream named in failStreams, failure).
type fakeLoader struct {
	mu           sync.Mutex
	requests     []warehouse.LoadRequest
	stagedRows   [][]string // staged CSV content, read before deletion, index-aligned with requests
	rowsByStream map[string]int64

	failStreams map[string]bool
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{rowsByStream: make(map[string]int64)}
}

func (f *fakeLoader) Load(ctx context.Context, req warehouse.LoadRequest) (*warehouse.LoadPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	var rows []string
	if b, err := os.ReadFile(req.Sealed.Path); err == nil {
		content := strings.TrimSuffix(string(b), "\n")
		if content != "" {
			rows = strings.Split(content, "\n")
		}
	}
	f.stagedRows = append(f.stagedRows, rows)
	if f.failStreams[req.Stream] {
		return nil, assert.AnError
	}
	f.rowsByStream[req.Stream] += req.Sealed.Rows
	return &warehouse.LoadPlan{Stream: req.Stream, Schema: req.SchemaName, Table: req.Table}, nil
}

func baseConfig() *config.Config {
	cfg := &config.Config{
		Host:                "db.internal",
		DBName:              "analytics",
		S3Bucket:            "bucket",
		DefaultTargetSchema: "public",
		BatchSizeRows:       2,
	}
	cfg.SetDefaults()
	return cfg
}

func newTestReporter(t *testing.T) *report.Reporter {
	t.Helper()
	r, err := report.NewReporter(&bytes.Buffer{}, "human")
	require.NoError(t, err)
	return r
}

func schemaLine(stream string) string {
	msg := map[string]interface{}{
		"type":   "SCHEMA",
		"stream": stream,
		"schema": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"id": map[string]interface{}{"type": "integer"}},
		},
		"key_properties": []string{"id"},
	}
	b, _ := json.Marshal(msg)
	return string(b)
}

func recordLine(stream string, id int) string {
	msg := map[string]interface{}{
		"type":   "RECORD",
		"stream": stream,
		"record": map[string]interface{}{"id": id},
	}
	b, _ := json.Marshal(msg)
	return string(b)
}

func schemaLineWithProps(stream string, properties map[string]interface{}) string {
	msg := map[string]interface{}{
		"type":           "SCHEMA",
		"stream":         stream,
		"schema":         map[string]interface{}{"type": "object", "properties": properties},
		"key_properties": []string{"id"},
	}
	b, _ := json.Marshal(msg)
	return string(b)
}

func recordLineWithFields(stream string, fields map[string]interface{}) string {
	msg := map[string]interface{}{
		"type":   "RECORD",
		"stream": stream,
		"record": fields,
	}
	b, _ := json.Marshal(msg)
	return string(b)
}

func stateLine(value string) string {
	msg := map[string]interface{}{
		"type":  "STATE",
		"value": json.RawMessage(value),
	}
	b, _ := json.Marshal(msg)
	return string(b)
}

// With batch_size_rows=2, four records split by two STATE messages
// must produce both states on stdout, in order, only after their
// gating flushes have completed.
func TestGatingEmitsStatesAfterFlushesCommit(t *testing.T) {
	cfg := baseConfig()
	loader := newFakeLoader()
	var stdout bytes.Buffer
	e := engine.New(cfg, loader, &stdout, newTestReporter(t))

	input := strings.Join([]string{
		schemaLine("orders"),
		recordLine("orders", 1),
		recordLine("orders", 2),
		stateLine(`{"a":1}`),
		recordLine("orders", 3),
		recordLine("orders", 4),
		stateLine(`{"a":2}`),
	}, "\n") + "\n"

	code := e.Run(context.Background(), strings.NewReader(input))
	require.Equal(t, 0, code)

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"a":1`)
	assert.Contains(t, lines[1], `"a":2`)

	loader.mu.Lock()
	defer loader.mu.Unlock()
	assert.EqualValues(t, 4, loader.rowsByStream["orders"])
}

// A STATE with no preceding records has nothing gating it and must
// still be echoed at EOF, even though no flush (and no orchestrator)
// ever existed.
func TestStateWithoutRecordsIsEmittedAtEOF(t *testing.T) {
	cfg := baseConfig()
	loader := newFakeLoader()
	var stdout bytes.Buffer
	e := engine.New(cfg, loader, &stdout, newTestReporter(t))

	input := strings.Join([]string{
		schemaLine("orders"),
		stateLine(`{"bookmark":42}`),
	}, "\n") + "\n"

	code := e.Run(context.Background(), strings.NewReader(input))
	require.Equal(t, 0, code)

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"bookmark":42`)

	loader.mu.Lock()
	defer loader.mu.Unlock()
	assert.Empty(t, loader.requests)
}

func TestRecordBeforeSchemaIsFatal(t *testing.T) {
	cfg := baseConfig()
	loader := newFakeLoader()
	e := engine.New(cfg, loader, &bytes.Buffer{}, newTestReporter(t))

	input := recordLine("orders", 1) + "\n"
	code := e.Run(context.Background(), strings.NewReader(input))
	assert.Equal(t, 1, code)
}

func TestUnknownMessageTypeIsFatal(t *testing.T) {
	cfg := baseConfig()
	loader := newFakeLoader()
	e := engine.New(cfg, loader, &bytes.Buffer{}, newTestReporter(t))

	input := `{"type":"BOGUS"}` + "\n"
	code := e.Run(context.Background(), strings.NewReader(input))
	assert.Equal(t, 1, code)
}

func TestPrimaryKeyRequiredRejectsSchemaWithoutKeys(t *testing.T) {
	cfg := baseConfig()
	cfg.PrimaryKeyRequired = true
	loader := newFakeLoader()
	e := engine.New(cfg, loader, &bytes.Buffer{}, newTestReporter(t))

	msg := map[string]interface{}{
		"type":   "SCHEMA",
		"stream": "orders",
		"schema": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"id": map[string]interface{}{"type": "integer"}},
		},
	}
	b, _ := json.Marshal(msg)
	code := e.Run(context.Background(), strings.NewReader(string(b)+"\n"))
	assert.Equal(t, 1, code)
}

func TestFlushAllStreamsFlushesEveryStreamOnAnyTrigger(t *testing.T) {
	cfg := baseConfig()
	cfg.BatchSizeRows = 1
	cfg.FlushAllStreams = true
	loader := newFakeLoader()
	e := engine.New(cfg, loader, &bytes.Buffer{}, newTestReporter(t))

	input := strings.Join([]string{
		schemaLine("orders"),
		schemaLine("customers"),
		recordLine("customers", 1),
		recordLine("orders", 1),
	}, "\n") + "\n"

	code := e.Run(context.Background(), strings.NewReader(input))
	require.Equal(t, 0, code)

	loader.mu.Lock()
	defer loader.mu.Unlock()
	assert.EqualValues(t, 1, loader.rowsByStream["orders"])
	assert.EqualValues(t, 1, loader.rowsByStream["customers"])
}

func TestFlushFailureHaltsStateEmission(t *testing.T) {
	cfg := baseConfig()
	loader := newFakeLoader()
	loader.failStreams = map[string]bool{"orders": true}
	var stdout bytes.Buffer
	e := engine.New(cfg, loader, &stdout, newTestReporter(t))

	input := strings.Join([]string{
		schemaLine("orders"),
		recordLine("orders", 1),
		recordLine("orders", 2),
		stateLine(`{"a":1}`),
	}, "\n") + "\n"

	code := e.Run(context.Background(), strings.NewReader(input))
	assert.Equal(t, 1, code)
	assert.Empty(t, strings.TrimSpace(stdout.String()))
}

func TestRunRespectsContextCancellation(t *testing.T) {
	cfg := baseConfig()
	loader := newFakeLoader()
	e := engine.New(cfg, loader, &bytes.Buffer{}, newTestReporter(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code := e.Run(ctx, strings.NewReader(schemaLine("orders")+"\n"))
	assert.Equal(t, 130, code)
}

// With add_metadata_columns set, the LoadRequest's Schema must
// carry the six _SDC_* columns ahead of the declared ones, so DDL and
// merge generation see the same columns Normalize renders into the
// staged CSV rows.
func TestAddMetadataColumnsSchemaIncludesSdcColumns(t *testing.T) {
	cfg := baseConfig()
	cfg.BatchSizeRows = 1
	cfg.AddMetadataColumns = true
	loader := newFakeLoader()
	e := engine.New(cfg, loader, &bytes.Buffer{}, newTestReporter(t))

	input := strings.Join([]string{
		schemaLine("orders"),
		recordLine("orders", 1),
	}, "\n") + "\n"

	code := e.Run(context.Background(), strings.NewReader(input))
	require.Equal(t, 0, code)

	loader.mu.Lock()
	defer loader.mu.Unlock()
	require.Len(t, loader.requests, 1)
	order := loader.requests[0].Schema.Order
	assert.Equal(t, []string{
		"_SDC_EXTRACTED_AT", "_SDC_RECEIVED_AT", "_SDC_BATCHED_AT",
		"_SDC_DELETED_AT", "_SDC_SEQUENCE", "_SDC_TABLE_VERSION", "ID",
	}, order)

	require.Len(t, loader.stagedRows, 1)
	require.Len(t, loader.stagedRows[0], 1)
	fields := strings.Split(loader.stagedRows[0][0], ",")
	require.Len(t, fields, len(order))
}

// A RECORD carrying _sdc_deleted_at must surface that value in the
// staged row's _SDC_DELETED_AT column so the hard-delete cleanup DELETE
// has something to match against.
func TestHardDeleteWiresDeletedAtFromRecord(t *testing.T) {
	cfg := baseConfig()
	cfg.BatchSizeRows = 1
	cfg.AddMetadataColumns = true
	loader := newFakeLoader()
	e := engine.New(cfg, loader, &bytes.Buffer{}, newTestReporter(t))

	deletedAt := "2026-01-02T03:04:05Z"
	input := strings.Join([]string{
		schemaLine("orders"),
		recordLineWithFields("orders", map[string]interface{}{"id": 1, "_sdc_deleted_at": deletedAt}),
	}, "\n") + "\n"

	code := e.Run(context.Background(), strings.NewReader(input))
	require.Equal(t, 0, code)

	loader.mu.Lock()
	defer loader.mu.Unlock()
	require.Len(t, loader.requests, 1)
	order := loader.requests[0].Schema.Order
	deletedAtIdx := -1
	for i, name := range order {
		if name == "_SDC_DELETED_AT" {
			deletedAtIdx = i
		}
	}
	require.GreaterOrEqual(t, deletedAtIdx, 0)

	require.Len(t, loader.stagedRows, 1)
	require.Len(t, loader.stagedRows[0], 1)
	fields := strings.Split(loader.stagedRows[0][0], ",")
	require.Equal(t, "2026-01-02T03:04:05.000000Z", fields[deletedAtIdx])
}

// A SCHEMA message that adds a column for a stream with
// an open, non-empty batch must flush that batch under the old column
// set before the wider schema takes effect, rather than producing a
// single stage file with ragged row widths.
func TestSchemaChangeFlushesPendingBatchBeforeWideningColumns(t *testing.T) {
	cfg := baseConfig()
	cfg.BatchSizeRows = 10 // large enough that only the schema change forces a flush
	loader := newFakeLoader()
	e := engine.New(cfg, loader, &bytes.Buffer{}, newTestReporter(t))

	input := strings.Join([]string{
		schemaLineWithProps("orders", map[string]interface{}{"id": map[string]interface{}{"type": "integer"}}),
		recordLine("orders", 1),
		schemaLineWithProps("orders", map[string]interface{}{
			"id":   map[string]interface{}{"type": "integer"},
			"name": map[string]interface{}{"type": "string"},
		}),
		recordLineWithFields("orders", map[string]interface{}{"id": 2, "name": "a"}),
	}, "\n") + "\n"

	code := e.Run(context.Background(), strings.NewReader(input))
	require.Equal(t, 0, code)

	loader.mu.Lock()
	defer loader.mu.Unlock()
	require.Len(t, loader.requests, 2)
	assert.Equal(t, []string{"ID"}, loader.requests[0].Schema.Order)
	assert.Equal(t, []string{"ID", "NAME"}, loader.requests[1].Schema.Order)

	require.Len(t, loader.stagedRows[0], 1)
	require.Len(t, loader.stagedRows[1], 1)
	assert.Len(t, strings.Split(loader.stagedRows[0][0], ","), 1)
	assert.Len(t, strings.Split(loader.stagedRows[1][0], ","), 2)
}
