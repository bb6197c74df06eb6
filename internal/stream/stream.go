// Package stream tracks per-stream schema, key properties, and the
// open batch each stream is accumulating. The
// Registry is the single thread-safe map the message loop and flush
// orchestrator both touch; each Stream carries its own mutex so
// unrelated streams never contend with each other.
package stream

import (
	"encoding/json"
	"fmt"
	"sync"

	"target-redshift/internal/catalog"
	"target-redshift/internal/jsonschema"
	"target-redshift/internal/record"
	"target-redshift/internal/stage"
)

// Batch is the state of one stream's in-flight staging file.
type Batch struct {
	Writer *stage.Writer
	Rows   int64
	Bytes  int64
}

// Stream is the logical unit of ingestion: one named, table-shaped
// sequence of records.
type Stream struct {
	Name          string
	TargetSchema  string
	TableName     string
	KeyProperties []string

	mu             sync.Mutex
	rootSchema     *jsonschema.Node
	columns        *catalog.Schema
	activeVersion  *int64
	pendingVersion *int64
	batch          *Batch
	rowTotal       int64
}

// Lock/Unlock expose the per-stream mutex to callers (the registry,
// the orchestrator) that need to serialize stage-writer and metadata
// mutations for this one stream.
func (s *Stream) Lock()   { s.mu.Lock() }
func (s *Stream) Unlock() { s.mu.Unlock() }

// Columns returns the stream's current flattened column set. Callers
// must hold the stream's lock.
func (s *Stream) Columns() *catalog.Schema { return s.columns }

// RootSchema returns the declared (unflattened) JSON-Schema. Callers
// must hold the stream's lock.
func (s *Stream) RootSchema() *jsonschema.Node { return s.rootSchema }

// Batch returns the stream's current open batch, creating one lazily
// if none is open. Callers must hold the stream's lock.
func (s *Stream) Batch(newWriter func() (*stage.Writer, error)) (*Batch, error) {
	if s.batch == nil {
		w, err := newWriter()
		if err != nil {
			return nil, err
		}
		s.batch = &Batch{Writer: w}
	}
	return s.batch, nil
}

// BatchRows returns the row count of the currently open batch, or 0 if
// no batch is open yet. Callers must hold the stream's lock.
func (s *Stream) BatchRows() int64 {
	if s.batch == nil {
		return 0
	}
	return s.batch.Writer.Rows()
}

// RotateBatch replaces the stream's current batch with fresh, empty
// one, returning the sealed handle of the old batch's writer for the
// caller (the orchestrator) to hand off to a flush task.
func (s *Stream) RotateBatch(freshWriter func() (*stage.Writer, error)) (stage.Sealed, error) {
	if s.batch == nil || s.batch.Writer == nil {
		return stage.Sealed{}, fmt.Errorf("stream %s: RotateBatch with no open batch", s.Name)
	}
	sealed, fresh, err := stage.Rotate(s.batch.Writer)
	if err != nil {
		return stage.Sealed{}, fmt.Errorf("stream %s: %w", s.Name, err)
	}
	s.batch = &Batch{Writer: fresh}
	return sealed, nil
}

// TakePendingVersion returns the activate-version marker recorded but
// not yet applied, and clears it. Callers must hold the stream's lock.
func (s *Stream) TakePendingVersion() *int64 {
	v := s.pendingVersion
	s.pendingVersion = nil
	return v
}

// ActiveVersion returns the stream's currently applied table version.
func (s *Stream) ActiveVersion() *int64 { return s.activeVersion }

// SetActiveVersion records version as applied.
func (s *Stream) SetActiveVersion(version int64) { s.activeVersion = &version }

// RowTotal returns the cumulative row count ever appended to this
// stream, across all batches.
func (s *Stream) RowTotal() int64 { return s.rowTotal }

func (s *Stream) recordAppend() { s.rowTotal++ }

// SchemaUpdate describes the outcome of applying a new SCHEMA message
// to an existing stream.
type SchemaUpdate struct {
	Columns    *catalog.Schema
	NewColumns []string // safe names present in Columns but not in the prior schema
	Changed    bool
}

// buildSchema flattens root and, when addMetadataColumns is set,
// merges the fixed _SDC_* metadata columns in ahead of the declared
// columns, so the schema that reaches DDL/merge
// generation carries exactly the columns internal/record.Normalize
// emits for every row, in the same order.
func buildSchema(root *jsonschema.Node, flattenOpts catalog.FlattenOptions, addMetadataColumns bool) (*catalog.Schema, error) {
	newSchema, err := catalog.Flatten(root, flattenOpts)
	if err != nil {
		return nil, err
	}
	if !addMetadataColumns {
		return newSchema, nil
	}
	return newSchema.PrependColumns(record.MetadataColumns())
}

// PeekNewColumns flattens root exactly as ApplySchema would (without
// mutating the stream) and reports the safe names present in the
// result but not in the stream's current column set. Callers use this
// before ApplySchema to decide whether a column-adding schema change
// needs the stream's open batch flushed first — rows already appended
// under the old, narrower column set would otherwise be followed in
// the same stage file by rows encoded under the new, wider one.
func (s *Stream) PeekNewColumns(root *jsonschema.Node, flattenOpts catalog.FlattenOptions, addMetadataColumns bool) ([]string, error) {
	if s.columns == nil {
		return nil, nil
	}
	newSchema, err := buildSchema(root, flattenOpts, addMetadataColumns)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", s.Name, err)
	}
	var newCols []string
	for _, name := range newSchema.Order {
		if _, existed := s.columns.Columns[name]; !existed {
			newCols = append(newCols, name)
		}
	}
	return newCols, nil
}

// ApplySchema recomputes the stream's flattened column set from a new
// declared JSON-Schema. New columns are reported so the caller can
// schedule an additive ALTER TABLE at next flush. A changed column
// *type* is not detected here — the policy for declared-type changes
// on existing columns is "ignore with warning", implemented
// by internal/warehouse's diff step, not here.
func (s *Stream) ApplySchema(root *jsonschema.Node, keyProperties []string, flattenOpts catalog.FlattenOptions, addMetadataColumns bool) (SchemaUpdate, error) {
	newSchema, err := buildSchema(root, flattenOpts, addMetadataColumns)
	if err != nil {
		return SchemaUpdate{}, fmt.Errorf("stream %s: %w", s.Name, err)
	}

	var newCols []string
	for _, name := range newSchema.Order {
		if s.columns != nil {
			if _, existed := s.columns.Columns[name]; existed {
				continue
			}
		}
		newCols = append(newCols, name)
	}

	changed := s.columns == nil || len(newCols) > 0
	s.rootSchema = root
	s.columns = newSchema
	s.KeyProperties = keyProperties

	return SchemaUpdate{Columns: newSchema, NewColumns: newCols, Changed: changed}, nil
}

// Registry is the thread-safe stream-name -> Stream map.
// The map lock is separate from each Stream's own lock so a
// lookup never blocks on another stream's in-flight mutation.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

// Get returns the named stream, or nil if it has not been created by a
// prior SCHEMA message.
func (r *Registry) Get(name string) *Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[name]
}

// GetOrCreate returns the named stream, creating it (with the given
// target schema and table name) if it does not already exist.
func (r *Registry) GetOrCreate(name, targetSchema, tableName string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[name]
	if ok {
		return s
	}
	s = &Stream{Name: name, TargetSchema: targetSchema, TableName: tableName}
	r.streams[name] = s
	return s
}

// Names returns every registered stream name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.streams))
	for name := range r.streams {
		names = append(names, name)
	}
	return names
}

// Len reports the number of active streams, used to resolve
// `parallelism == 0` to the current active stream count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// RecordAppend bumps name's cumulative row counter. Callers must hold
// the stream's own lock (obtained via Get/GetOrCreate then Lock).
func (s *Stream) RecordAppend() { s.recordAppend() }

// MarshalActiveVersion renders the stream's active version as a
// json.RawMessage for diagnostics/reporting.
func (s *Stream) MarshalActiveVersion() json.RawMessage {
	if s.activeVersion == nil {
		return json.RawMessage("null")
	}
	b, _ := json.Marshal(*s.activeVersion)
	return b
}

// SetPendingVersion records an ACTIVATE_VERSION to be applied at next
// flush.
func (s *Stream) SetPendingVersion(version int64) {
	v := version
	s.pendingVersion = &v
}
