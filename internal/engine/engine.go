// Package engine runs the tap-to-target message loop: it reads
// newline-delimited protocol messages from stdin, maintains per-stream
// schema and stage-file state, submits flushes to the orchestrator, and
// gates STATE emission on flush completion. It is the composition
// root: a long-running loop driving many streams concurrently.
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"target-redshift/internal/catalog"
	"target-redshift/internal/config"
	"target-redshift/internal/identifier"
	"target-redshift/internal/jsonschema"
	"target-redshift/internal/orchestrator"
	"target-redshift/internal/protocol"
	"target-redshift/internal/record"
	"target-redshift/internal/report"
	"target-redshift/internal/stage"
	"target-redshift/internal/stream"
	"target-redshift/internal/warehouse"
)

// streamNameSeparator is the component separator a compound stream name
// (catalog-schema-table) is joined on, per the convention taps like
// tap-mysql and tap-postgres use.
const streamNameSeparator = "-"

// gracePeriod bounds how long Run waits, after a SIGINT/SIGTERM, for
// already-submitted flushes to finish before it gives up and exits.
const gracePeriod = 30 * time.Second

// Loader is the warehouse-facing surface the engine drives: exactly
// what internal/warehouse.Syncer.Load needs to run one flush. Accepting
// an interface here (rather than *warehouse.Syncer directly) keeps
// engine_test.go free of any real database/S3 dependency.
type Loader interface {
	Load(ctx context.Context, req warehouse.LoadRequest) (*warehouse.LoadPlan, error)
}

// Clock supplies the current time, overridable in tests so metadata
// timestamps and sequence numbers are deterministic.
type Clock func() time.Time

// SchemaError reports a SCHEMA message that violates an engine-level
// invariant (e.g. primary_key_required) or a JSON-Schema the catalog
// layer cannot flatten.
type SchemaError struct {
	Stream string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("engine: stream %s: %s", e.Stream, e.Reason)
}

// ValidationError wraps a record.InvalidValue with the name of the
// stream it came from; it carries no sequence or record position.
type ValidationError struct {
	Stream string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: stream %s: %v", e.Stream, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Engine owns the stream registry, the lazily-sized orchestrator, and
// the STATE-gating bookkeeping for one run of the target.
type Engine struct {
	cfg      *config.Config
	loader   Loader
	registry *stream.Registry
	out      io.Writer
	reporter *report.Reporter
	clock    Clock

	flattenOpts catalog.FlattenOptions
	compression stage.Compression

	orchOnce sync.Once
	orch     *orchestrator.Orchestrator

	mu               sync.Mutex
	lastSubmittedSeq uint64
	committed        map[uint64]bool
	maxCommitted     uint64
	pending          []pendingState
	failure          error
	sequence         int64
}

type pendingState struct {
	gateSeq uint64
	value   json.RawMessage
}

// New builds an Engine. out receives gated STATE lines (stdout, in
// production); reporter receives human-facing flush summaries (stderr).
func New(cfg *config.Config, loader Loader, out io.Writer, reporter *report.Reporter) *Engine {
	return &Engine{
		cfg:      cfg,
		loader:   loader,
		registry: stream.NewRegistry(),
		out:      out,
		reporter: reporter,
		clock:    time.Now,
		flattenOpts: catalog.FlattenOptions{
			MaxLevel: cfg.DataFlatteningMaxLevel,
			Types:    catalog.TypeOptions{DefaultVarcharLength: cfg.VarcharLength},
		},
		compression: stage.Compression(cfg.Compression),
		committed:   make(map[uint64]bool),
	}
}

// Run drives the message loop to completion (clean EOF, a fatal
// protocol/schema/validation/warehouse error, or a termination signal)
// and returns the process exit code: 0 on clean EOF, 1 on error, 130
// on signal.
func (e *Engine) Run(ctx context.Context, stdin io.Reader) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	var loopErr error
	go func() {
		defer close(done)
		loopErr = e.loop(ctx, stdin)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(gracePeriod):
			e.reporter.Printf("engine: grace period elapsed waiting for in-flight flushes; exiting\n")
		}
	}

	if orch := e.currentOrchestrator(); orch != nil {
		orch.Close()
	}
	if sweepErr := stage.Sweep(e.cfg.TempDir); sweepErr != nil {
		e.reporter.Printf("engine: warning: %v\n", sweepErr)
	}

	switch {
	case ctx.Err() != nil:
		return 130
	case loopErr != nil:
		e.reporter.Printf("engine: %v\n", loopErr)
		return 1
	default:
		if err := e.currentFailure(); err != nil {
			e.reporter.Printf("engine: %v\n", err)
			return 1
		}
		return 0
	}
}

// loop reads one protocol message per line and dispatches it. It
// blocks only on reading the next line, appending to a stage file, and
// submitting a flush.
func (e *Engine) loop(ctx context.Context, stdin io.Reader) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		if err := e.currentFailure(); err != nil {
			return err
		}

		line := scanner.Bytes()
		msg, err := protocol.ParseLine(line)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case protocol.Schema:
			if err := e.handleSchema(ctx, m); err != nil {
				return err
			}
		case protocol.Record:
			if err := e.handleRecord(ctx, m); err != nil {
				return err
			}
		case protocol.State:
			e.handleState(m)
		case protocol.ActivateVersion:
			if err := e.handleActivateVersion(m); err != nil {
				return err
			}
		}

		e.drainResults(false)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("engine: reading input: %w", err)
	}
	if ctx.Err() != nil {
		// Cancelled: submit no new flushes, only wait for those in flight.
		e.drainResults(true)
		return ctx.Err()
	}

	e.flushAllAtEOF(ctx)
	e.drainResults(true)
	return e.currentFailure()
}

func (e *Engine) handleSchema(ctx context.Context, msg protocol.Schema) error {
	if e.cfg.PrimaryKeyRequired && len(msg.KeyProperties) == 0 {
		return &SchemaError{Stream: msg.Stream, Reason: "key_properties is required (primary_key_required is set)"}
	}

	root, err := jsonschema.Parse(msg.SchemaDoc)
	if err != nil {
		return &SchemaError{Stream: msg.Stream, Reason: err.Error()}
	}

	sourceSchema := identifier.StreamSourceSchema(msg.Stream, streamNameSeparator)
	targetSchema := e.cfg.TargetSchemaFor(sourceSchema)
	tableName := identifier.SafeTableName(identifier.StreamParts(msg.Stream, streamNameSeparator))

	s := e.registry.GetOrCreate(msg.Stream, targetSchema, tableName)
	s.Lock()
	defer s.Unlock()

	// A schema change that adds columns must not land in the middle of
	// an open, non-empty batch: rows already appended were CSV-encoded
	// under the narrower column set, and rows appended after the swap
	// would be encoded under the wider one, producing a single stage
	// file with ragged row widths. Flush what's pending
	// under the old schema first.
	added, err := s.PeekNewColumns(root, e.flattenOpts, e.cfg.AddMetadataColumns)
	if err != nil {
		return &SchemaError{Stream: msg.Stream, Reason: err.Error()}
	}
	if len(added) > 0 && s.BatchRows() > 0 {
		if err := e.flushLocked(ctx, s); err != nil {
			return err
		}
	}

	if _, err := s.ApplySchema(root, msg.KeyProperties, e.flattenOpts, e.cfg.AddMetadataColumns); err != nil {
		return &SchemaError{Stream: msg.Stream, Reason: err.Error()}
	}
	return nil
}

func (e *Engine) handleRecord(ctx context.Context, msg protocol.Record) error {
	s := e.registry.Get(msg.Stream)
	if s == nil {
		return &protocol.Error{Reason: fmt.Sprintf("RECORD for stream %q received before its SCHEMA", msg.Stream)}
	}

	raw, err := protocol.DecodeRecord(msg)
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	now := e.clock()
	meta := record.Metadata{
		ExtractedAt: parseTimeExtracted(msg.TimeExtracted, now),
		ReceivedAt:  now,
		BatchedAt:   now,
		DeletedAt:   parseDeletedAt(raw),
		Sequence:    e.nextSequence(),
	}
	if msg.Version != nil {
		meta.TableVersion = *msg.Version
	} else if v := s.ActiveVersion(); v != nil {
		meta.TableVersion = *v
	}

	fields, err := record.Normalize(s.Columns(), raw, meta, record.Options{
		ValidateRecords:    e.cfg.ValidateRecords,
		AddMetadataColumns: e.cfg.AddMetadataColumns,
	})
	if err != nil {
		return &ValidationError{Stream: msg.Stream, Err: err}
	}

	batch, err := s.Batch(func() (*stage.Writer, error) {
		return stage.NewWriter(e.cfg.TempDir, msg.Stream, e.compression)
	})
	if err != nil {
		return fmt.Errorf("engine: stream %s: opening stage file: %w", msg.Stream, err)
	}
	if err := batch.Writer.WriteRow(record.EncodeRow(fields)); err != nil {
		return err
	}
	s.RecordAppend()

	if batch.Writer.Rows() >= e.cfg.BatchSizeRows {
		if e.cfg.FlushAllStreams {
			if err := e.flushAllLocked(ctx, s); err != nil {
				return err
			}
		} else if err := e.flushLocked(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleActivateVersion(msg protocol.ActivateVersion) error {
	s := e.registry.Get(msg.Stream)
	if s == nil {
		return &protocol.Error{Reason: fmt.Sprintf("ACTIVATE_VERSION for unknown stream %q", msg.Stream)}
	}
	s.Lock()
	defer s.Unlock()
	s.SetPendingVersion(msg.Version)
	return nil
}

func (e *Engine) handleState(msg protocol.State) {
	e.mu.Lock()
	gate := e.lastSubmittedSeq
	e.pending = append(e.pending, pendingState{gateSeq: gate, value: msg.Value})
	e.mu.Unlock()
}

// flushLocked rotates s's current batch and submits it for loading.
// Callers must hold s's lock; it is released only by the caller.
func (e *Engine) flushLocked(ctx context.Context, s *stream.Stream) error {
	if s.BatchRows() == 0 {
		return nil
	}
	sealed, err := s.RotateBatch(func() (*stage.Writer, error) {
		return stage.NewWriter(e.cfg.TempDir, s.Name, e.compression)
	})
	if err != nil {
		return err
	}

	orch := e.ensureOrchestrator()
	req := e.buildLoadRequest(s, sealed)
	seq := orch.Submit(ctx, s.Name, req)

	e.mu.Lock()
	if seq > e.lastSubmittedSeq {
		e.lastSubmittedSeq = seq
	}
	e.mu.Unlock()
	return nil
}

// flushAllLocked flushes every stream, starting with s (already
// lock-held by the caller) when flush_all_streams is set.
// Other streams are locked and unlocked one at a time so no
// two stream locks are ever held simultaneously.
func (e *Engine) flushAllLocked(ctx context.Context, s *stream.Stream) error {
	if err := e.flushLocked(ctx, s); err != nil {
		return err
	}
	for _, name := range e.registry.Names() {
		if name == s.Name {
			continue
		}
		other := e.registry.Get(name)
		if other == nil {
			continue
		}
		other.Lock()
		err := e.flushLocked(ctx, other)
		other.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// flushAllAtEOF flushes every stream with outstanding rows at clean
// end-of-input.
func (e *Engine) flushAllAtEOF(ctx context.Context) {
	for _, name := range e.registry.Names() {
		s := e.registry.Get(name)
		if s == nil {
			continue
		}
		s.Lock()
		if err := e.flushLocked(ctx, s); err != nil {
			e.setFailure(err)
		}
		s.Unlock()
	}
}

func (e *Engine) buildLoadRequest(s *stream.Stream, sealed stage.Sealed) warehouse.LoadRequest {
	sourceSchema := identifier.StreamSourceSchema(s.Name, streamNameSeparator)
	req := warehouse.LoadRequest{
		Stream:             s.Name,
		SchemaName:         s.TargetSchema,
		Table:              s.TableName,
		Schema:             s.Columns(),
		KeyColumns:         sanitizedKeyColumns(s.KeyProperties),
		Sealed:             sealed,
		S3KeyPrefix:        e.cfg.S3KeyPrefix,
		GranteeUsers:       e.cfg.GranteesFor(sourceSchema),
		ActivateVersion:    s.TakePendingVersion(),
		AddMetadataColumns: e.cfg.AddMetadataColumns,
	}
	return req
}

func sanitizedKeyColumns(keyProperties []string) []string {
	if len(keyProperties) == 0 {
		return nil
	}
	out := make([]string, len(keyProperties))
	for i, k := range keyProperties {
		out[i] = identifier.SafeColumnName(k)
	}
	return out
}

// ensureOrchestrator constructs the orchestrator on the first flush,
// sizing its worker pool from the stream count known at that moment
// ("0 means current active stream count" resolved lazily, since
// SCHEMA messages for every stream typically precede bulk RECORD
// flushing).
func (e *Engine) ensureOrchestrator() *orchestrator.Orchestrator {
	e.orchOnce.Do(func() {
		n := e.cfg.ResolveParallelism(e.registry.Len())
		orch := orchestrator.New(orchestrator.Options{MaxParallelism: n}, func(ctx context.Context, job orchestrator.Job) error {
			req := job.Payload.(warehouse.LoadRequest)
			plan, err := e.loader.Load(ctx, req)
			if err != nil {
				return err
			}
			e.reporter.Plan(plan)
			if err := req.Sealed.Delete(); err != nil {
				e.reporter.Printf("engine: warning: %v\n", err)
			}
			return nil
		})
		e.mu.Lock()
		e.orch = orch
		e.mu.Unlock()
	})
	return e.currentOrchestrator()
}

// currentOrchestrator safely reads the lazily-constructed orchestrator
// from a goroutine other than the message loop (Run's signal/grace-
// period handling calls this after the loop may still be running).
func (e *Engine) currentOrchestrator() *orchestrator.Orchestrator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orch
}

// drainResults reads any orchestrator results available without
// blocking (or, when block is true, keeps reading until every submitted
// job has reported — used once at EOF after every flush has been
// submitted).
func (e *Engine) drainResults(block bool) {
	if e.orch == nil {
		// No flush was ever submitted, so every pending STATE is
		// already fully gated (gate sequence zero) and must still go
		// out at EOF — a tap emitting SCHEMA + STATE with no new
		// records is a legitimate "nothing to sync" checkpoint.
		if block {
			e.flushReadyStatesLocked()
		}
		return
	}
	if !block {
		for {
			select {
			case res, ok := <-e.orch.Results():
				if !ok {
					return
				}
				e.recordResult(res)
			default:
				return
			}
		}
	}
	waitDone := make(chan struct{})
	go func() {
		e.orch.Wait()
		close(waitDone)
	}()
	for {
		select {
		case res, ok := <-e.orch.Results():
			if !ok {
				e.flushReadyStatesLocked()
				return
			}
			e.recordResult(res)
		case <-waitDone:
			e.drainResults(false)
			e.flushReadyStatesLocked()
			return
		}
	}
}

func (e *Engine) recordResult(res orchestrator.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res.Err != nil {
		if e.failure == nil {
			e.failure = fmt.Errorf("engine: stream %s: flush failed: %w", res.Stream, res.Err)
		}
		return
	}
	e.committed[res.Sequence] = true
	for e.committed[e.maxCommitted+1] {
		e.maxCommitted++
		delete(e.committed, e.maxCommitted)
	}
	e.flushReadyStatesLockedHeld()
}

// flushReadyStatesLocked acquires the engine's mutex and emits any
// pending STATE messages whose gating flushes have all committed.
func (e *Engine) flushReadyStatesLocked() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushReadyStatesLockedHeld()
}

// flushReadyStatesLockedHeld is flushReadyStatesLocked's body, called
// with e.mu already held.
func (e *Engine) flushReadyStatesLockedHeld() {
	if e.failure != nil {
		return
	}
	i := 0
	for ; i < len(e.pending); i++ {
		if e.pending[i].gateSeq > e.maxCommitted {
			break
		}
		e.emitState(e.pending[i].value)
	}
	e.pending = e.pending[i:]
}

func (e *Engine) emitState(value json.RawMessage) {
	line := struct {
		Type  protocol.Type   `json:"type"`
		Value json.RawMessage `json:"value"`
	}{Type: protocol.TypeState, Value: value}
	b, err := json.Marshal(line)
	if err != nil {
		e.reporter.Printf("engine: warning: marshaling STATE: %v\n", err)
		return
	}
	fmt.Fprintln(e.out, string(b))
}

func (e *Engine) setFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failure == nil {
		e.failure = err
	}
}

func (e *Engine) currentFailure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

func (e *Engine) nextSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence++
	return e.sequence
}

func parseTimeExtracted(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return fallback
}

// sdcDeletedAtField is the Singer convention a tap uses to mark a
// record for hard-delete: a RECORD carrying
// this key (an ISO-8601 timestamp, or null/absent for a live row).
const sdcDeletedAtField = "_sdc_deleted_at"

func parseDeletedAt(raw map[string]interface{}) *time.Time {
	v, ok := raw[sdcDeletedAtField]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
