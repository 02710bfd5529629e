package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SyncOptions control a catalog-sync invocation
type SyncOptions struct {
	// ForceSync makes the catalog reconcile even when it believes the
	// schema is current.
	ForceSync bool
	// SkipPostSync suppresses post-sync hooks; they may rely on ambient
	// runtime state that is not configured during CLI execution.
	SkipPostSync bool
	// LogStatement, when set, receives every SQL statement line the sync
	// emits.
	LogStatement func(line string)
}

// Catalog reconciles the application's model catalog against a live
// schema; it may emit DDL. The catalog schema-qualifies every generated
// statement, so isolation holds even when a pooled connection's
// search_path was reset by a transaction pooler.
type Catalog interface {
	Sync(ctx context.Context, conn sqlx.ExtContext, schemaName string, opts SyncOptions) error
}

// DatabaseMeta carries the diagnostic identity of a handle
type DatabaseMeta struct {
	SchemaName string
	TenantSlug string
	OrgSlug    string
}

// Database is the schema-scoped handle bundle used by application code.
// conn is either a pooled *sqlx.DB or, for dry-run migrations, a *sqlx.Tx.
type Database struct {
	conn sqlx.ExtContext
	meta DatabaseMeta
}

// DatabaseFactory realizes the DAO layer on a handle, running catalog-sync
// with the supplied options.
type DatabaseFactory func(ctx context.Context, conn sqlx.ExtContext, meta DatabaseMeta, opts SyncOptions) (*Database, error)

// NewDatabaseFactory builds the default factory around a catalog
func NewDatabaseFactory(catalog Catalog) DatabaseFactory {
	return func(ctx context.Context, conn sqlx.ExtContext, meta DatabaseMeta, opts SyncOptions) (*Database, error) {
		if catalog != nil {
			if err := catalog.Sync(ctx, conn, meta.SchemaName, opts); err != nil {
				return nil, fmt.Errorf("catalog sync failed for schema %s: %w", meta.SchemaName, err)
			}
		}
		return &Database{conn: conn, meta: meta}, nil
	}
}

// Conn exposes the underlying query surface
func (d *Database) Conn() sqlx.ExtContext {
	return d.conn
}

// SchemaName returns the PostgreSQL schema this handle is scoped to
func (d *Database) SchemaName() string {
	return d.meta.SchemaName
}

// TenantSlug returns the owning tenant's slug (diagnostics)
func (d *Database) TenantSlug() string {
	return d.meta.TenantSlug
}

// OrgSlug returns the owning org's slug (diagnostics)
func (d *Database) OrgSlug() string {
	return d.meta.OrgSlug
}

// Table returns the schema-qualified, quoted name for a table
func (d *Database) Table(name string) string {
	return QuoteSchema(d.meta.SchemaName) + `."` + name + `"`
}

// Ping issues a liveness probe through the handle
func (d *Database) Ping(ctx context.Context) error {
	if db, ok := d.conn.(*sqlx.DB); ok {
		return db.PingContext(ctx)
	}
	var one int
	return sqlx.GetContext(ctx, d.conn, &one, "SELECT 1")
}

// Close releases the underlying pool. Transaction-scoped handles have no
// pool to release; their lifecycle belongs to the transaction owner.
func (d *Database) Close() error {
	if db, ok := d.conn.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil
}
