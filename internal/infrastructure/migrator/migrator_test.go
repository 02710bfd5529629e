package migrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jolli/tenantfabric/internal/domain/entity"
	"github.com/jolli/tenantfabric/internal/domain/errors"
	"github.com/jolli/tenantfabric/internal/domain/repository"
	"github.com/jolli/tenantfabric/internal/infrastructure/database"
)

// fleetRegistry serves a static tenant/org fleet
type fleetRegistry struct {
	repository.TenantRegistry
	tenants []entity.Tenant
	orgs    map[uuid.UUID][]entity.Org
	cfgs    map[uuid.UUID]*entity.DatabaseConfig
}

func (f *fleetRegistry) ListAllActiveTenants(ctx context.Context) ([]entity.Tenant, error) {
	return f.tenants, nil
}

func (f *fleetRegistry) ListAllActiveOrgs(ctx context.Context, tenantID uuid.UUID) ([]entity.Org, error) {
	return f.orgs[tenantID], nil
}

func (f *fleetRegistry) GetTenantDatabaseConfig(ctx context.Context, tenantID uuid.UUID) (*entity.DatabaseConfig, error) {
	return f.cfgs[tenantID], nil
}

// recordingCatalog records the schemas it synced and fails on demand
type recordingCatalog struct {
	mu         sync.Mutex
	synced     []string
	failSchema string
}

func (c *recordingCatalog) Sync(ctx context.Context, conn sqlx.ExtContext, schemaName string, opts database.SyncOptions) error {
	c.mu.Lock()
	c.synced = append(c.synced, schemaName)
	c.mu.Unlock()

	if schemaName == c.failSchema {
		return fmt.Errorf("catalog sync failed")
	}
	return nil
}

func (c *recordingCatalog) syncedSchemas() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.synced...)
}

var snapshotColumns = []string{"table_name", "column_name", "data_type", "is_nullable", "column_default"}

// snapshotHandleFactory builds sqlmock handles preloaded with unordered
// snapshot-query expectations returning empty schemas.
func snapshotHandleFactory() database.HandleFactory {
	return func(cfg entity.DatabaseConfig, password, schemaName string) (*sqlx.DB, error) {
		db, mock, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		mock.MatchExpectationsInOrder(false)
		for i := 0; i < 2; i++ {
			mock.ExpectQuery("information_schema.columns").
				WillReturnRows(sqlmock.NewRows(snapshotColumns))
		}
		mock.ExpectClose()
		return sqlx.NewDb(db, "sqlmock"), nil
	}
}

// fleet builds n tenants, each with a single org on schema org_<i>
func fleet(n int) *fleetRegistry {
	reg := &fleetRegistry{
		orgs: map[uuid.UUID][]entity.Org{},
		cfgs: map[uuid.UUID]*entity.DatabaseConfig{},
	}
	for i := 1; i <= n; i++ {
		t := entity.Tenant{
			ID:     uuid.New(),
			Slug:   fmt.Sprintf("t%d", i),
			Status: entity.TenantStatusActive,
		}
		reg.tenants = append(reg.tenants, t)
		reg.orgs[t.ID] = []entity.Org{{
			ID:         uuid.New(),
			TenantID:   t.ID,
			Slug:       fmt.Sprintf("o%d", i),
			SchemaName: fmt.Sprintf("org_%d", i),
			Status:     entity.OrgStatusActive,
		}}
		reg.cfgs[t.ID] = &entity.DatabaseConfig{
			Host: "db.internal", Port: 5432, Database: "fleet", Username: "app",
		}
	}
	return reg
}

func TestCanaryArgsMismatch(t *testing.T) {
	m := NewMigrator(fleet(1), nil, snapshotHandleFactory(), database.NewDatabaseFactory(&recordingCatalog{}))

	_, err := m.Run(context.Background(), Options{CanaryTenantSlug: "t1"})
	assert.ErrorIs(t, err, errors.ErrCanaryArgsMismatch)

	_, err = m.Run(context.Background(), Options{CanaryOrgSlug: "o1"})
	assert.ErrorIs(t, err, errors.ErrCanaryArgsMismatch)
}

func TestCanaryNotFound(t *testing.T) {
	m := NewMigrator(fleet(2), nil, snapshotHandleFactory(), database.NewDatabaseFactory(&recordingCatalog{}))

	_, err := m.Run(context.Background(), Options{
		CanaryTenantSlug: "t9",
		CanaryOrgSlug:    "o9",
	})
	assert.ErrorIs(t, err, errors.ErrCanaryNotFound)
}

func TestCanaryFailureHaltsFleet(t *testing.T) {
	catalog := &recordingCatalog{failSchema: "org_2"}
	m := NewMigrator(fleet(3), nil, snapshotHandleFactory(), database.NewDatabaseFactory(catalog))

	summary, err := m.Run(context.Background(), Options{
		CanaryTenantSlug: "t2",
		CanaryOrgSlug:    "o2",
	})
	require.Error(t, err)

	assert.Equal(t, 0, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.SkippedTenants)
	assert.Equal(t, []string{"org_2"}, catalog.syncedSchemas(),
		"no other org's catalog sync may run after a canary failure")
}

func TestFleetHaltsOnFirstFailureAfterCanary(t *testing.T) {
	catalog := &recordingCatalog{failSchema: "org_2"}
	m := NewMigrator(fleet(3), nil, snapshotHandleFactory(), database.NewDatabaseFactory(catalog))

	summary, err := m.Run(context.Background(), Options{})
	require.Error(t, err)

	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"org_1", "org_2"}, catalog.syncedSchemas(),
		"orgs after the first failure are not attempted")
}

func TestDefaultCanaryIsFirstOrgOfFirstTenant(t *testing.T) {
	catalog := &recordingCatalog{}
	m := NewMigrator(fleet(3), nil, snapshotHandleFactory(), database.NewDatabaseFactory(catalog))

	summary, err := m.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Successful)
	assert.Equal(t, []string{"org_1", "org_2", "org_3"}, catalog.syncedSchemas())
}

func TestTenantWithoutConfigSkipped(t *testing.T) {
	reg := fleet(2)
	reg.cfgs[reg.tenants[0].ID] = nil

	catalog := &recordingCatalog{}
	m := NewMigrator(reg, nil, snapshotHandleFactory(), database.NewDatabaseFactory(catalog))

	summary, err := m.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SkippedTenants)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, []string{"org_2"}, catalog.syncedSchemas())
}

func TestCheckOnlyIssuesNoSync(t *testing.T) {
	catalog := &recordingCatalog{}
	factory := func(cfg entity.DatabaseConfig, password, schemaName string) (*sqlx.DB, error) {
		db, _, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		return sqlx.NewDb(db, "sqlmock"), nil
	}
	m := NewMigrator(fleet(2), nil, factory, database.NewDatabaseFactory(catalog))

	summary, err := m.Run(context.Background(), Options{CheckOnly: true})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Successful)
	assert.Empty(t, catalog.syncedSchemas(), "check-only must not issue DDL")
}

func TestDryRunReportsDeltaAndRollsBack(t *testing.T) {
	var mocks []sqlmock.Sqlmock
	factory := func(cfg entity.DatabaseConfig, password, schemaName string) (*sqlx.DB, error) {
		db, mock, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		mock.ExpectBegin()
		mock.ExpectQuery("information_schema.columns").WillReturnRows(
			sqlmock.NewRows(snapshotColumns).
				AddRow("users", "id", "integer", false, nil))
		mock.ExpectQuery("information_schema.columns").WillReturnRows(
			sqlmock.NewRows(snapshotColumns).
				AddRow("users", "id", "integer", false, nil).
				AddRow("users", "email", "character varying", true, nil))
		mock.ExpectRollback()
		mock.ExpectClose()
		mocks = append(mocks, mock)
		return sqlx.NewDb(db, "sqlmock"), nil
	}

	catalog := &recordingCatalog{}
	m := NewMigrator(fleet(1), nil, factory, database.NewDatabaseFactory(catalog))

	summary, err := m.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	require.True(t, summary.HasChanges())
	require.Len(t, summary.DryRunChanges, 1)
	change := summary.DryRunChanges[0]
	assert.Equal(t, ChangeColumnAdded, change.Kind)
	assert.Equal(t, "users", change.Table)
	assert.Equal(t, "email", change.Column)
	assert.Equal(t, "ALTER TABLE users ADD COLUMN email", change.Format())

	assert.Equal(t, []string{"org_1"}, catalog.syncedSchemas(), "dry run syncs inside the transaction")

	require.Len(t, mocks, 1)
	assert.NoError(t, mocks[0].ExpectationsWereMet(), "dry run must roll back unconditionally")
}

func TestDryRunNoChanges(t *testing.T) {
	factory := func(cfg entity.DatabaseConfig, password, schemaName string) (*sqlx.DB, error) {
		db, mock, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		mock.ExpectBegin()
		for i := 0; i < 2; i++ {
			mock.ExpectQuery("information_schema.columns").WillReturnRows(
				sqlmock.NewRows(snapshotColumns).
					AddRow("users", "id", "integer", false, nil))
		}
		mock.ExpectRollback()
		mock.ExpectClose()
		return sqlx.NewDb(db, "sqlmock"), nil
	}

	m := NewMigrator(fleet(1), nil, factory, database.NewDatabaseFactory(&recordingCatalog{}))

	summary, err := m.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.False(t, summary.HasChanges())
}

func TestLiveMigrationReportsAppliedChanges(t *testing.T) {
	factory := func(cfg entity.DatabaseConfig, password, schemaName string) (*sqlx.DB, error) {
		db, mock, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		mock.ExpectQuery("information_schema.columns").WillReturnRows(
			sqlmock.NewRows(snapshotColumns).
				AddRow("users", "id", "integer", false, nil))
		mock.ExpectQuery("information_schema.columns").WillReturnRows(
			sqlmock.NewRows(snapshotColumns).
				AddRow("users", "id", "integer", false, nil).
				AddRow("users", "email", "character varying", true, nil))
		mock.ExpectClose()
		return sqlx.NewDb(db, "sqlmock"), nil
	}

	m := NewMigrator(fleet(1), nil, factory, database.NewDatabaseFactory(&recordingCatalog{}))

	summary, err := m.Run(context.Background(), Options{})
	require.NoError(t, err)

	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].ChangesApplied)
	assert.Equal(t, 1, summary.Results[0].ChangeCount)
}
