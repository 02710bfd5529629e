package migrator

import (
	"context"
	"os"

	"github.com/jolli/tenantfabric/internal/infrastructure/database"
	"github.com/jolli/tenantfabric/internal/infrastructure/logger"
)

// ShouldAutoMigrate decides whether the startup-time auto-migrator runs.
// Serverless/preview deployments are excluded: their filesystem and
// lifecycle make best-effort DDL at boot a hazard.
func ShouldAutoMigrate(environment string, multiTenantEnabled, skipMigrations bool) bool {
	if environment != "development" {
		return false
	}
	if os.Getenv("VERCEL") != "" {
		return false
	}
	if !multiTenantEnabled {
		return false
	}
	return !skipMigrations
}

// RunDevAutoMigration is the best-effort startup variant of the engine:
// every active (tenant, org) gets a catalog sync with post-sync hooks
// enabled. Failures are logged but never propagated; startup continues.
func (m *Migrator) RunDevAutoMigration(ctx context.Context) {
	summary := &Summary{}
	items, err := m.buildWorkList(ctx, summary)
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("dev auto-migration could not enumerate tenants")
		return
	}

	succeeded, failed := 0, 0
	for _, item := range items {
		if err := m.devSyncOrg(ctx, item); err != nil {
			failed++
			logger.Logger.Warn().Err(err).
				Str("tenant", item.tenant.Slug).Str("org", item.org.Slug).
				Msg("dev auto-migration failed for org")
			continue
		}
		succeeded++
	}

	logger.MigrationLogger().
		Int("succeeded", succeeded).
		Int("failed", failed).
		Int("skipped_tenants", summary.SkippedTenants).
		Msg("dev auto-migration finished")
}

func (m *Migrator) devSyncOrg(ctx context.Context, item workItem) error {
	handle, err := m.newHandle(item.cfg, item.password, item.org.SchemaName)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			logger.Logger.Warn().Err(err).
				Str("tenant", item.tenant.Slug).Str("org", item.org.Slug).
				Msg("failed to close dev auto-migration handle")
		}
	}()

	_, err = m.newDatabase(ctx, handle, item.meta(), database.SyncOptions{
		ForceSync:    true,
		SkipPostSync: false,
	})
	return err
}
