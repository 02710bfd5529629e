// Package catalog reconciles the application's model tables against a
// live org schema. The table list is the single source of truth for what
// an org schema contains.
package catalog

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jolli/tenantfabric/internal/infrastructure/database"
)

// modelTable is one table the application expects in every org schema
type modelTable struct {
	name string
	ddl  string
}

// modelTables are created in order; later tables may reference earlier
// ones.
var modelTables = []modelTable{
	{
		name: "collections",
		ddl: `CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	},
	{
		name: "docs",
		ddl: `CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			collection_id UUID,
			title TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'draft',
			created_by TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	},
	{
		name: "members",
		ddl: `CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT,
			role TEXT NOT NULL DEFAULT 'member',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	},
	{
		name: "activity_events",
		ddl: `CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			actor TEXT,
			action TEXT NOT NULL,
			subject_id UUID,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	},
}

// Catalog implements database.Catalog over the model table list
type Catalog struct{}

// New creates the application catalog
func New() *Catalog {
	return &Catalog{}
}

var _ database.Catalog = (*Catalog)(nil)

// Sync reconciles the model tables in the given schema. Every statement
// is schema-qualified, so isolation holds even on a pooled connection
// whose search_path was reset.
func (c *Catalog) Sync(ctx context.Context, conn sqlx.ExtContext, schemaName string, opts database.SyncOptions) error {
	qualify := func(table string) string {
		return database.QuoteSchema(schemaName) + `."` + table + `"`
	}

	for _, table := range modelTables {
		stmt := fmt.Sprintf(table.ddl, qualify(table.name))
		if opts.LogStatement != nil {
			opts.LogStatement(stmt)
		}
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to sync table %s: %w", table.name, err)
		}
	}

	if !opts.SkipPostSync {
		if err := c.postSync(ctx, conn, schemaName, opts); err != nil {
			return err
		}
	}

	return nil
}

// postSync runs statistics refresh after a structural sync. Skipped
// during CLI runs, which have no warmed runtime to benefit from it.
func (c *Catalog) postSync(ctx context.Context, conn sqlx.ExtContext, schemaName string, opts database.SyncOptions) error {
	for _, table := range modelTables {
		stmt := "ANALYZE " + database.QuoteSchema(schemaName) + `."` + table.name + `"`
		if opts.LogStatement != nil {
			opts.LogStatement(stmt)
		}
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("post-sync failed for table %s: %w", table.name, err)
		}
	}
	return nil
}
