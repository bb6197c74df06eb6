package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// ExistingColumn is one row introspected from information_schema for
// an existing target table.
type ExistingColumn struct {
	Name     string
	DataType string
}

// CatalogCache memoizes per-(schema,table) column introspection, so
// ensure_table doesn't round-trip to information_schema on every
// call: columns are listed once per configured schema at startup and
// memoized, and the per-table entry is invalidated after an ALTER.
// Disabling the cache (disableCache) forces a fresh
// lookup every time.
type CatalogCache struct {
	db           *sql.DB
	disableCache bool

	mu     sync.RWMutex
	tables map[tableKey][]ExistingColumn
}

type tableKey struct {
	schema string
	table  string
}

// NewCatalogCache returns a cache backed by db. Call Warm once at
// startup to pre-populate it for a known set of schemas.
func NewCatalogCache(db *sql.DB, disableCache bool) *CatalogCache {
	return &CatalogCache{db: db, disableCache: disableCache, tables: make(map[tableKey][]ExistingColumn)}
}

// Warm pre-loads column metadata for every schema in schemas, in one
// query per schema rather than one per table.
func (c *CatalogCache) Warm(ctx context.Context, schemas []string) error {
	if c.disableCache {
		return nil
	}
	for _, schema := range schemas {
		if err := c.loadSchema(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

func (c *CatalogCache) loadSchema(ctx context.Context, schema string) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position
	`, schema)
	if err != nil {
		return fmt.Errorf("warehouse: listing columns for schema %s: %w", schema, err)
	}
	defer rows.Close()

	byTable := make(map[string][]ExistingColumn)
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return fmt.Errorf("warehouse: scanning column row: %w", err)
		}
		byTable[table] = append(byTable[table], ExistingColumn{Name: column, DataType: dataType})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("warehouse: iterating columns for schema %s: %w", schema, err)
	}

	c.mu.Lock()
	for table, cols := range byTable {
		c.tables[tableKey{schema: schema, table: table}] = cols
	}
	c.mu.Unlock()
	return nil
}

// Columns returns the cached (or freshly introspected, if caching is
// disabled or this table hasn't been seen) column list for
// schema.table, and whether the table exists at all. A table missing
// from the cache is looked up in information_schema; if that lookup
// finds no columns the result is "exists=false, nil".
func (c *CatalogCache) Columns(ctx context.Context, schema, table string) (cols []ExistingColumn, exists bool, err error) {
	key := tableKey{schema: schema, table: table}

	if !c.disableCache {
		c.mu.RLock()
		cached, ok := c.tables[key]
		c.mu.RUnlock()
		if ok {
			return cached, true, nil
		}
	}

	cols, err = c.queryTable(ctx, schema, table)
	if err != nil {
		return nil, false, err
	}
	exists = len(cols) > 0
	if exists && !c.disableCache {
		c.mu.Lock()
		c.tables[key] = cols
		c.mu.Unlock()
	}
	return cols, exists, nil
}

func (c *CatalogCache) queryTable(ctx context.Context, schema, table string) ([]ExistingColumn, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("warehouse: introspecting %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []ExistingColumn
	for rows.Next() {
		var c ExistingColumn
		if err := rows.Scan(&c.Name, &c.DataType); err != nil {
			return nil, fmt.Errorf("warehouse: scanning column of %s.%s: %w", schema, table, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: iterating columns of %s.%s: %w", schema, table, err)
	}
	return cols, nil
}

// InvalidateAfterAlter refreshes the cache entry for schema.table by
// re-querying it, rather than dropping the entry wholesale — the next
// EnsureTable would re-introspect anyway, so refresh now while the
// ALTER is known to have just landed.
func (c *CatalogCache) InvalidateAfterAlter(ctx context.Context, schema, table string) error {
	if c.disableCache {
		return nil
	}
	cols, err := c.queryTable(ctx, schema, table)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tables[tableKey{schema: schema, table: table}] = cols
	c.mu.Unlock()
	return nil
}
