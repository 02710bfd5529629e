package migrator

import (
	"context"
	"fmt"

	"github.com/jolli/tenantfabric/internal/domain/entity"
	"github.com/jolli/tenantfabric/internal/domain/errors"
	"github.com/jolli/tenantfabric/internal/domain/repository"
	"github.com/jolli/tenantfabric/internal/infrastructure/database"
	"github.com/jolli/tenantfabric/internal/infrastructure/logger"
	"github.com/jolli/tenantfabric/pkg/metrics"
)

// Options configure one migration run
type Options struct {
	DryRun           bool
	CheckOnly        bool
	Verbose          bool
	CanaryTenantSlug string
	CanaryOrgSlug    string
}

// OrgResult is the outcome for one (tenant, org)
type OrgResult struct {
	TenantSlug     string         `json:"tenant_slug"`
	OrgSlug        string         `json:"org_slug"`
	SchemaName     string         `json:"schema_name"`
	ChangesApplied bool           `json:"changes_applied"`
	ChangeCount    int            `json:"change_count"`
	Changes        []SchemaChange `json:"changes,omitempty"`
	Statements     []string       `json:"statements,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Summary aggregates a fleet run. SkippedTenants counts tenants without a
// database provider row; their orgs are not counted anywhere.
type Summary struct {
	Successful     int            `json:"successful"`
	Failed         int            `json:"failed"`
	SkippedTenants int            `json:"skipped_tenants"`
	DryRun         bool           `json:"dry_run"`
	DryRunChanges  []SchemaChange `json:"dry_run_changes,omitempty"`
	Results        []OrgResult    `json:"results"`
}

// HasChanges reports whether a dry run detected a non-empty delta
func (s *Summary) HasChanges() bool {
	return len(s.DryRunChanges) > 0
}

// Migrator evolves every tenant-org schema to match the application
// catalog. It builds handles through the same factories as the connection
// manager, guaranteeing identical search_path semantics, but never
// through the cache: migration uses its own short-lived connections.
type Migrator struct {
	registry    repository.TenantRegistry
	decrypt     database.DecryptFunc
	newHandle   database.HandleFactory
	newDatabase database.DatabaseFactory
}

// NewMigrator creates a migration engine
func NewMigrator(reg repository.TenantRegistry, decrypt database.DecryptFunc, newHandle database.HandleFactory, newDatabase database.DatabaseFactory) *Migrator {
	if decrypt == nil {
		decrypt = func(encrypted string) (string, error) { return encrypted, nil }
	}
	return &Migrator{
		registry:    reg,
		decrypt:     decrypt,
		newHandle:   newHandle,
		newDatabase: newDatabase,
	}
}

// workItem is one (tenant, org) with resolved credentials
type workItem struct {
	tenant   *entity.Tenant
	org      *entity.Org
	cfg      entity.DatabaseConfig
	password string
}

func (w *workItem) meta() database.DatabaseMeta {
	return database.DatabaseMeta{
		SchemaName: w.org.SchemaName,
		TenantSlug: w.tenant.Slug,
		OrgSlug:    w.org.Slug,
	}
}

// Run executes a fleet migration in the mode selected by opts
func (m *Migrator) Run(ctx context.Context, opts Options) (*Summary, error) {
	// Canary args are validated before any database connection is opened.
	if (opts.CanaryTenantSlug == "") != (opts.CanaryOrgSlug == "") {
		return nil, errors.ErrCanaryArgsMismatch
	}

	summary := &Summary{DryRun: opts.DryRun}

	items, err := m.buildWorkList(ctx, summary)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		logger.MigrationLogger().Msg("no active tenant orgs to migrate")
		return summary, nil
	}

	items, err = m.orderByCanary(ctx, items, opts)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return m.runDry(ctx, items[0], summary)
	}
	if opts.CheckOnly {
		return m.runCheckOnly(ctx, items, summary)
	}
	return m.runLive(ctx, items, opts, summary)
}

// buildWorkList resolves every active (tenant, org) with credentials.
// Tenants without a provider row are skipped with zero orgs counted.
func (m *Migrator) buildWorkList(ctx context.Context, summary *Summary) ([]workItem, error) {
	tenants, err := m.registry.ListAllActiveTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}

	var items []workItem
	for i := range tenants {
		t := &tenants[i]

		cfg, err := m.registry.GetTenantDatabaseConfig(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load database config for tenant %s: %w", t.Slug, err)
		}
		if cfg == nil {
			logger.MigrationLogger().Str("tenant", t.Slug).Msg("tenant has no database provider, skipping")
			summary.SkippedTenants++
			continue
		}

		password, err := m.decrypt(cfg.PasswordEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt database password for tenant %s: %w", t.Slug, err)
		}

		orgs, err := m.registry.ListAllActiveOrgs(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list orgs for tenant %s: %w", t.Slug, err)
		}
		for j := range orgs {
			items = append(items, workItem{tenant: t, org: &orgs[j], cfg: *cfg, password: password})
		}
	}
	return items, nil
}

// orderByCanary moves the canary to the front, leaving the rest in their
// original order. With no configured canary the first item already is the
// first org of the first active tenant.
func (m *Migrator) orderByCanary(ctx context.Context, items []workItem, opts Options) ([]workItem, error) {
	if opts.CanaryTenantSlug == "" {
		return items, nil
	}

	idx := -1
	for i := range items {
		if items[i].tenant.Slug == opts.CanaryTenantSlug && items[i].org.Slug == opts.CanaryOrgSlug {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, fmt.Errorf("%s/%s: %w", opts.CanaryTenantSlug, opts.CanaryOrgSlug, errors.ErrCanaryNotFound)
	}
	if idx == 0 {
		return items, nil
	}

	reordered := make([]workItem, 0, len(items))
	reordered = append(reordered, items[idx])
	reordered = append(reordered, items[:idx]...)
	reordered = append(reordered, items[idx+1:]...)
	return reordered, nil
}

// runLive processes the canary first, then the remaining orgs in order,
// halting on the first failure.
func (m *Migrator) runLive(ctx context.Context, items []workItem, opts Options, summary *Summary) (*Summary, error) {
	for i, item := range items {
		result := m.migrateOrg(ctx, item, opts)
		summary.Results = append(summary.Results, result)

		if result.Error != "" {
			summary.Failed++
			metrics.RecordSchemaMigration("failed")
			if i == 0 {
				logger.MigrationLogger().
					Str("tenant", item.tenant.Slug).Str("org", item.org.Slug).
					Msg("canary migration failed, fleet untouched")
			}
			return summary, fmt.Errorf("migration failed for %s/%s: %s",
				item.tenant.Slug, item.org.Slug, result.Error)
		}

		summary.Successful++
		metrics.RecordSchemaMigration("success")
	}
	return summary, nil
}

// migrateOrg runs the per-org live pipeline: snapshot, sync, snapshot,
// diff. The handle is closed whether or not the sync succeeded.
func (m *Migrator) migrateOrg(ctx context.Context, item workItem, opts Options) OrgResult {
	result := OrgResult{
		TenantSlug: item.tenant.Slug,
		OrgSlug:    item.org.Slug,
		SchemaName: item.org.SchemaName,
	}

	handle, err := m.newHandle(item.cfg, item.password, item.org.SchemaName)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer func() {
		if err := handle.Close(); err != nil {
			logger.Logger.Warn().Err(err).
				Str("tenant", item.tenant.Slug).Str("org", item.org.Slug).
				Msg("failed to close migration handle")
		}
	}()

	before, err := CaptureSnapshot(ctx, handle)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	capture := NewStatementCapture()
	syncOpts := database.SyncOptions{ForceSync: true, SkipPostSync: true}
	if opts.Verbose {
		syncOpts.LogStatement = capture.Record
	}

	if _, err := m.newDatabase(ctx, handle, item.meta(), syncOpts); err != nil {
		result.Error = err.Error()
		return result
	}

	after, err := CaptureSnapshot(ctx, handle)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Changes = Diff(before, after)
	result.ChangeCount = len(result.Changes)
	result.ChangesApplied = result.ChangeCount > 0
	result.Statements = capture.Statements()

	logger.MigrationLogger().
		Str("tenant", item.tenant.Slug).Str("org", item.org.Slug).
		Str("schema", item.org.SchemaName).
		Bool("changes_applied", result.ChangesApplied).
		Int("change_count", result.ChangeCount).
		Msg("org migrated")

	return result
}

// runCheckOnly verifies every handle is usable; no DDL is issued
func (m *Migrator) runCheckOnly(ctx context.Context, items []workItem, summary *Summary) (*Summary, error) {
	for _, item := range items {
		result := OrgResult{
			TenantSlug: item.tenant.Slug,
			OrgSlug:    item.org.Slug,
			SchemaName: item.org.SchemaName,
		}

		err := func() error {
			handle, err := m.newHandle(item.cfg, item.password, item.org.SchemaName)
			if err != nil {
				return err
			}
			defer handle.Close()
			return handle.PingContext(ctx)
		}()

		if err != nil {
			result.Error = err.Error()
			summary.Results = append(summary.Results, result)
			summary.Failed++
			return summary, fmt.Errorf("connection check failed for %s/%s: %w",
				item.tenant.Slug, item.org.Slug, err)
		}

		summary.Results = append(summary.Results, result)
		summary.Successful++
	}
	return summary, nil
}

// runDry captures the real delta against the canary only: the catalog
// sync runs inside a transaction that is rolled back unconditionally.
func (m *Migrator) runDry(ctx context.Context, item workItem, summary *Summary) (*Summary, error) {
	handle, err := m.newHandle(item.cfg, item.password, item.org.SchemaName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			logger.Logger.Warn().Err(err).
				Str("tenant", item.tenant.Slug).Str("org", item.org.Slug).
				Msg("failed to close dry-run handle")
		}
	}()

	tx, err := handle.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin dry-run transaction: %w", err)
	}
	defer tx.Rollback() // dry run never commits

	before, err := CaptureSnapshot(ctx, tx)
	if err != nil {
		return nil, err
	}

	syncOpts := database.SyncOptions{ForceSync: true, SkipPostSync: true}
	if _, err := m.newDatabase(ctx, tx, item.meta(), syncOpts); err != nil {
		return nil, err
	}

	after, err := CaptureSnapshot(ctx, tx)
	if err != nil {
		return nil, err
	}

	summary.DryRunChanges = Diff(before, after)
	summary.Results = append(summary.Results, OrgResult{
		TenantSlug:  item.tenant.Slug,
		OrgSlug:     item.org.Slug,
		SchemaName:  item.org.SchemaName,
		ChangeCount: len(summary.DryRunChanges),
		Changes:     summary.DryRunChanges,
	})
	if len(summary.DryRunChanges) == 0 {
		summary.Successful++
	}

	return summary, nil
}
