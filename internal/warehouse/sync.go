// Package warehouse is the sync layer: DDL, staging upload, COPY,
// merge/delete, and grants. It connects once and executes generated
// statement sequences behind a printf-style reporter, targeting
// Redshift/Postgres over database/sql + jackc/pgx.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"target-redshift/internal/catalog"
	"target-redshift/internal/objectstore"
	"target-redshift/internal/stage"
)

// Options configures a Syncer (the connection/staging/merge knobs,
// already resolved by internal/config).
type Options struct {
	Copy        CopyOptions
	Slices      int
	SkipUpdates bool
	HardDelete  bool
	DryRun      bool
	Retry       RetryPolicy
}

// Syncer executes the load pipeline for one stream's sealed batch at a
// time. Safe for concurrent use across streams: each call only touches
// the rows it's given and the warehouse connection pool, shared across
// flush workers.
type Syncer struct {
	db    *sql.DB
	store objectstore.Store
	cache *CatalogCache
	opts  Options
	out   io.Writer
}

// NewSyncer builds a Syncer. out receives operator-facing progress
// text through an injectable io.Writer.
func NewSyncer(db *sql.DB, store objectstore.Store, cache *CatalogCache, opts Options, out io.Writer) *Syncer {
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy
	}
	if out == nil {
		out = io.Discard
	}
	return &Syncer{db: db, store: store, cache: cache, opts: opts, out: out}
}

func (s *Syncer) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

// LoadRequest is everything one flush needs loaded into the warehouse.
type LoadRequest struct {
	Stream       string
	SchemaName   string
	Table        string
	Schema       *catalog.Schema
	KeyColumns   []string // sanitized column names
	Sealed       stage.Sealed
	S3KeyPrefix  string
	GranteeUsers []string

	// ActivateVersion, when non-nil, is a pending ACTIVATE_VERSION
	// marker to apply after this flush's merge.
	// Applying it requires AddMetadataColumns so the _SDC_TABLE_VERSION
	// column exists to discriminate old rows from new; see
	// ActivateVersionStatement.
	ActivateVersion    *int64
	AddMetadataColumns bool
}

// EnsureTable creates the target table if absent, or issues additive
// ALTER TABLE statements for any new/widened columns.
// It returns the DDL it executed, any grant statements it issued,
// and warnings (or everything it would execute, under DryRun) for the
// caller's LoadPlan.
func (s *Syncer) EnsureTable(ctx context.Context, req LoadRequest) (ddl, grants []string, warnings []Warning, err error) {
	var existing []ExistingColumn
	var exists bool
	err = withRetry(ctx, s.opts.Retry, req.Stream, "introspect", func() error {
		var qerr error
		existing, exists, qerr = s.cache.Columns(ctx, req.SchemaName, req.Table)
		return qerr
	})
	if err != nil {
		return nil, nil, nil, promoteExhausted(err, req.Stream, "introspect")
	}

	if !exists {
		create := CreateTableStatement(req.SchemaName, req.Table, req.Schema, req.KeyColumns)
		ddl = append(ddl, create)
		if err := s.exec(ctx, req.Stream, "create table", create); err != nil {
			return nil, nil, nil, err
		}
		grantStmts, grantWarnings := s.grantStatements(ctx, req)
		grants = append(grants, grantStmts...)
		warnings = append(warnings, grantWarnings...)
		return ddl, grants, warnings, nil
	}

	diff := DiffColumns(req.Schema, existing)
	if len(diff.NewColumns) > 0 {
		adds := AddColumnStatements(req.SchemaName, req.Table, req.Schema, diff.NewColumns)
		for _, stmt := range adds {
			if err := s.exec(ctx, req.Stream, "alter table add column", stmt); err != nil {
				return nil, nil, nil, err
			}
		}
		ddl = append(ddl, adds...)
	}
	for _, col := range diff.WidenColumns {
		stmt := WidenVarcharStatement(req.SchemaName, req.Table, col)
		if err := s.exec(ctx, req.Stream, "alter column widen", stmt); err != nil {
			return nil, nil, nil, err
		}
		ddl = append(ddl, stmt)
	}
	for _, retype := range diff.IgnoredRetype {
		warnings = append(warnings, Warning{
			Level:   WarningNotice,
			Message: fmt.Sprintf("column %s: declared type %s does not match existing type %s; ignored", retype.Column, retype.DeclaredType, retype.ExistingType),
		})
	}

	if len(diff.NewColumns) > 0 || len(diff.WidenColumns) > 0 {
		err := withRetry(ctx, s.opts.Retry, req.Stream, "invalidate cache", func() error {
			return s.cache.InvalidateAfterAlter(ctx, req.SchemaName, req.Table)
		})
		if err != nil {
			return nil, nil, nil, promoteExhausted(err, req.Stream, "invalidate cache")
		}
	}

	return ddl, grants, warnings, nil
}

func (s *Syncer) grantStatements(ctx context.Context, req LoadRequest) ([]string, []Warning) {
	var stmts []string
	var warnings []Warning
	if len(req.GranteeUsers) == 0 {
		return stmts, warnings
	}

	usage := fmt.Sprintf("GRANT USAGE ON SCHEMA %s TO %s", QuoteIdent(req.SchemaName), granteeList(req.GranteeUsers))
	stmts = append(stmts, usage)
	if err := s.exec(ctx, req.Stream, "grant usage", usage); err != nil {
		warnings = append(warnings, Warning{Level: WarningNotice, Message: fmt.Sprintf("grant usage on schema failed: %v", err)})
	}

	sel := fmt.Sprintf("GRANT SELECT ON %s TO %s", QualifiedTable(req.SchemaName, req.Table), granteeList(req.GranteeUsers))
	stmts = append(stmts, sel)
	if err := s.exec(ctx, req.Stream, "grant select", sel); err != nil {
		warnings = append(warnings, Warning{Level: WarningNotice, Message: fmt.Sprintf("grant select on %s failed (principal may not exist): %v", req.Table, err)})
	}
	return stmts, warnings
}

func granteeList(users []string) string {
	quoted := make([]string, len(users))
	for i, u := range users {
		quoted[i] = QuoteIdent(u)
	}
	return strings.Join(quoted, ", ")
}

// Load runs the full pipeline for a sealed batch: stage upload, temp
// table, COPY, merge, drop temp, delete staged objects. Returns the
// LoadPlan describing everything it did (or, under DryRun, everything
// it would have done without executing any of it).
func (s *Syncer) Load(ctx context.Context, req LoadRequest) (*LoadPlan, error) {
	plan := &LoadPlan{Stream: req.Stream, Schema: req.SchemaName, Table: req.Table}

	ddl, grants, warnings, err := s.EnsureTable(ctx, req)
	if err != nil {
		return nil, err
	}
	plan.AddDDL(ddl...)
	plan.Grants = append(plan.Grants, grants...)
	plan.Warnings = append(plan.Warnings, warnings...)

	loadUUID := uuid.NewString()
	plan.TempTable = TempTableName(req.Table, loadUUID)

	paths, err := objectstore.Slice(req.Sealed.Path, s.opts.Slices)
	if err != nil {
		return nil, &FatalError{Stream: req.Stream, Op: "slice stage file", Err: err}
	}
	// Slice writes each chunk as its own "<path>.partN" scratch file
	// (distinct from req.Sealed.Path, which its own caller deletes).
	// Those chunk files are only needed long enough to upload, so remove
	// them once Load returns rather than leaving them for the
	// once-per-process stage.Sweep to eventually catch.
	defer func() {
		for _, p := range paths {
			if p == req.Sealed.Path {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				s.printf("warehouse: warning: failed to remove stage chunk %s: %v\n", p, err)
			}
		}
	}()

	var objectURIs []string
	var uploadedKeys []string
	for i, path := range paths {
		key := fmt.Sprintf("%s/%s/%s_%d%s", req.S3KeyPrefix, req.Stream, loadUUID, i, req.Sealed.Compression.Extension())
		uri, err := s.upload(ctx, req.Stream, key, path)
		if err != nil {
			return nil, err
		}
		objectURIs = append(objectURIs, uri)
		uploadedKeys = append(uploadedKeys, key)
	}
	plan.CopyObjects = objectURIs

	cleanupObjects := func() {
		for _, key := range uploadedKeys {
			if err := s.store.Delete(ctx, key); err != nil {
				s.printf("warehouse: warning: failed to delete staged object %s: %v\n", key, err)
			}
		}
	}

	createTemp := CreateTableStatement(req.SchemaName, plan.TempTable, req.Schema, nil)
	if err := s.exec(ctx, req.Stream, "create temp table", createTemp); err != nil {
		cleanupObjects()
		return nil, err
	}
	plan.AddDDL(createTemp)

	for _, uri := range objectURIs {
		copyStmt := CopyStatement(req.SchemaName, plan.TempTable, uri, s.opts.Copy)
		plan.Copy = append(plan.Copy, copyStmt)
		if err := s.execRetryable(ctx, req.Stream, "copy", copyStmt); err != nil {
			s.dropTempBestEffort(ctx, req.SchemaName, plan.TempTable)
			cleanupObjects()
			return nil, err
		}
	}

	merges := MergeStatements(req.SchemaName, req.Table, plan.TempTable, req.Schema, MergeOptions{
		KeyColumns:  req.KeyColumns,
		SkipUpdates: s.opts.SkipUpdates,
		HardDelete:  s.opts.HardDelete,
	})
	plan.Merge = merges
	for _, stmt := range merges {
		if err := s.exec(ctx, req.Stream, "merge", stmt); err != nil {
			s.dropTempBestEffort(ctx, req.SchemaName, plan.TempTable)
			cleanupObjects()
			return nil, err
		}
	}

	if req.ActivateVersion != nil {
		if req.AddMetadataColumns {
			stmt := ActivateVersionStatement(req.SchemaName, req.Table, *req.ActivateVersion)
			plan.ActivateVersion = stmt
			if err := s.exec(ctx, req.Stream, "activate version", stmt); err != nil {
				s.dropTempBestEffort(ctx, req.SchemaName, plan.TempTable)
				cleanupObjects()
				return nil, err
			}
		} else {
			plan.AddWarning(WarningNotice, "ACTIVATE_VERSION for stream %s ignored: add_metadata_columns is not enabled", req.Stream)
		}
	}

	dropTemp := fmt.Sprintf("DROP TABLE %s", QualifiedTable(req.SchemaName, plan.TempTable))
	plan.DropTemp = dropTemp
	if err := s.exec(ctx, req.Stream, "drop temp table", dropTemp); err != nil {
		cleanupObjects()
		return nil, err
	}

	cleanupObjects()
	return plan, nil
}

func (s *Syncer) dropTempBestEffort(ctx context.Context, schemaName, tempTable string) {
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", QualifiedTable(schemaName, tempTable))
	if err := s.exec(ctx, "", "drop temp table (cleanup)", stmt); err != nil {
		s.printf("warehouse: warning: failed to drop temp table %s: %v\n", tempTable, err)
	}
}

func (s *Syncer) upload(ctx context.Context, stream, key, path string) (string, error) {
	var uri string
	err := withRetry(ctx, s.opts.Retry, stream, "upload", func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		uri, err = s.store.Upload(ctx, key, f, info.Size())
		return err
	})
	if err != nil {
		return "", promoteExhausted(err, stream, "upload")
	}
	return uri, nil
}

func (s *Syncer) exec(ctx context.Context, stream, op, stmt string) error {
	if s.opts.DryRun {
		s.printf("-- dry run (%s): %s\n", op, stmt)
		return nil
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return &FatalError{Stream: stream, Op: op, Err: err}
	}
	return nil
}

// execRetryable wraps exec for the statement kinds considered
// transient I/O (COPY, and by extension any statement that talks to
// the object store indirectly through it).
func (s *Syncer) execRetryable(ctx context.Context, stream, op, stmt string) error {
	if s.opts.DryRun {
		s.printf("-- dry run (%s): %s\n", op, stmt)
		return nil
	}
	err := withRetry(ctx, s.opts.Retry, stream, op, func() error {
		_, err := s.db.ExecContext(ctx, stmt)
		return err
	})
	if err != nil {
		return promoteExhausted(err, stream, op)
	}
	return nil
}

// promoteExhausted converts withRetry's exhausted *TransientError into
// the *FatalError the caller's contract requires, passing anything
// else (context cancellation, mostly) through unchanged.
func promoteExhausted(err error, stream, op string) error {
	var transient *TransientError
	if errors.As(err, &transient) {
		return &FatalError{Stream: stream, Op: op, Err: transient}
	}
	return err
}
