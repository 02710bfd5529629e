package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/jolli/tenantfabric/internal/domain/entity"
	"github.com/jolli/tenantfabric/internal/domain/repository"
)

// tenantColumns is the non-credential tenant projection. The tenant read
// path never projects provider credentials; only GetTenantDatabaseConfig
// does, via JOIN.
const tenantColumns = `
	t.id, t.slug, t.display_name, t.status, t.deployment_type, t.database_provider_id,
	t.configs, t.configs_updated_at, t.feature_flags, t.created_at, t.updated_at, t.provisioned_at,
	td.domain AS primary_domain`

// primaryDomainJoin materializes the verified primary custom domain;
// absent mapping leaves primary_domain NULL.
const primaryDomainJoin = `
	LEFT JOIN tenant_domains td
	       ON td.tenant_id = t.id AND td.is_primary = TRUE AND td.verified_at IS NOT NULL`

const orgColumns = `
	o.id, o.tenant_id, o.slug, o.display_name, o.schema_name, o.status, o.is_default,
	o.created_at, o.updated_at`

// PostgresRegistry implements repository.TenantRegistry over the
// control-plane database.
type PostgresRegistry struct {
	db *sqlx.DB
}

// NewPostgresRegistry opens the control-plane handle and verifies it
func NewPostgresRegistry(databaseURL string) (*PostgresRegistry, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return &PostgresRegistry{db: db}, nil
}

// NewPostgresRegistryWithDB wraps an existing handle; used by tests
func NewPostgresRegistryWithDB(db *sqlx.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

var _ repository.TenantRegistry = (*PostgresRegistry)(nil)

// GetTenant retrieves a tenant by ID with its verified primary domain
func (r *PostgresRegistry) GetTenant(ctx context.Context, id uuid.UUID) (*entity.Tenant, error) {
	query := `SELECT` + tenantColumns + `
		FROM tenants t` + primaryDomainJoin + `
		WHERE t.id = $1`

	var tenant entity.Tenant
	if err := r.db.GetContext(ctx, &tenant, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &tenant, nil
}

// GetTenantBySlug retrieves a tenant by its slug (case-exact)
func (r *PostgresRegistry) GetTenantBySlug(ctx context.Context, slug string) (*entity.Tenant, error) {
	query := `SELECT` + tenantColumns + `
		FROM tenants t` + primaryDomainJoin + `
		WHERE t.slug = $1`

	var tenant entity.Tenant
	if err := r.db.GetContext(ctx, &tenant, query, slug); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &tenant, nil
}

// GetTenantDatabaseConfig returns the credential projection for a tenant's
// database provider. This is the only read path that touches credentials.
func (r *PostgresRegistry) GetTenantDatabaseConfig(ctx context.Context, tenantID uuid.UUID) (*entity.DatabaseConfig, error) {
	query := `
		SELECT dp.database_host, dp.database_port, dp.database_name, dp.database_username,
		       dp.database_password_encrypted, dp.database_ssl, dp.database_pool_max
		FROM tenants t
		JOIN database_providers dp ON dp.id = t.database_provider_id
		WHERE t.id = $1`

	var cfg entity.DatabaseConfig
	if err := r.db.GetContext(ctx, &cfg, query, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// tenantOrgRow scans the joined tenant+org projection used by the domain
// and installation lookups.
type tenantOrgRow struct {
	TenantID           uuid.UUID             `db:"tenant_id"`
	TenantSlug         string                `db:"tenant_slug"`
	TenantDisplayName  string                `db:"tenant_display_name"`
	TenantStatus       entity.TenantStatus   `db:"tenant_status"`
	DeploymentType     entity.DeploymentType `db:"deployment_type"`
	DatabaseProviderID *uuid.UUID            `db:"database_provider_id"`
	Configs            entity.ConfigMap      `db:"configs"`
	ConfigsUpdatedAt   *time.Time            `db:"configs_updated_at"`
	FeatureFlags       entity.FeatureFlags   `db:"feature_flags"`
	PrimaryDomain      *string               `db:"primary_domain"`
	TenantCreatedAt    time.Time             `db:"tenant_created_at"`
	TenantUpdatedAt    time.Time             `db:"tenant_updated_at"`
	ProvisionedAt      *time.Time            `db:"provisioned_at"`

	OrgID          uuid.UUID        `db:"org_id"`
	OrgTenantID    uuid.UUID        `db:"org_tenant_id"`
	OrgSlug        string           `db:"org_slug"`
	OrgDisplayName string           `db:"org_display_name"`
	SchemaName     string           `db:"schema_name"`
	OrgStatus      entity.OrgStatus `db:"org_status"`
	IsDefault      bool             `db:"is_default"`
	OrgCreatedAt   time.Time        `db:"org_created_at"`
	OrgUpdatedAt   time.Time        `db:"org_updated_at"`
}

func (row *tenantOrgRow) toTenantOrg() *entity.TenantOrg {
	return &entity.TenantOrg{
		Tenant: &entity.Tenant{
			ID:                 row.TenantID,
			Slug:               row.TenantSlug,
			DisplayName:        row.TenantDisplayName,
			Status:             row.TenantStatus,
			DeploymentType:     row.DeploymentType,
			DatabaseProviderID: row.DatabaseProviderID,
			Configs:            row.Configs,
			ConfigsUpdatedAt:   row.ConfigsUpdatedAt,
			FeatureFlags:       row.FeatureFlags,
			PrimaryDomain:      row.PrimaryDomain,
			CreatedAt:          row.TenantCreatedAt,
			UpdatedAt:          row.TenantUpdatedAt,
			ProvisionedAt:      row.ProvisionedAt,
		},
		Org: &entity.Org{
			ID:          row.OrgID,
			TenantID:    row.OrgTenantID,
			Slug:        row.OrgSlug,
			DisplayName: row.OrgDisplayName,
			SchemaName:  row.SchemaName,
			Status:      row.OrgStatus,
			IsDefault:   row.IsDefault,
			CreatedAt:   row.OrgCreatedAt,
			UpdatedAt:   row.OrgUpdatedAt,
		},
	}
}

const tenantOrgColumns = `
	t.id AS tenant_id, t.slug AS tenant_slug, t.display_name AS tenant_display_name,
	t.status AS tenant_status, t.deployment_type, t.database_provider_id,
	t.configs, t.configs_updated_at, t.feature_flags,
	td.domain AS primary_domain,
	t.created_at AS tenant_created_at, t.updated_at AS tenant_updated_at, t.provisioned_at,
	o.id AS org_id, o.tenant_id AS org_tenant_id, o.slug AS org_slug,
	o.display_name AS org_display_name, o.schema_name, o.status AS org_status, o.is_default,
	o.created_at AS org_created_at, o.updated_at AS org_updated_at`

// GetTenantByDomain resolves a verified custom domain to its active tenant
// and the tenant's default org. The input is lowercased before lookup.
func (r *PostgresRegistry) GetTenantByDomain(ctx context.Context, domain string) (*entity.TenantOrg, error) {
	query := `
		SELECT` + tenantOrgColumns + `
		FROM tenant_domains d
		JOIN tenants t ON t.id = d.tenant_id AND t.status = 'active'
		JOIN orgs o ON o.tenant_id = t.id AND o.is_default = TRUE` + primaryDomainJoin + `
		WHERE d.domain = $1 AND d.verified_at IS NOT NULL`

	var row tenantOrgRow
	if err := r.db.GetContext(ctx, &row, query, entity.NormalizeDomain(domain)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row.toTenantOrg(), nil
}

// ListTenants returns the non-credential summary projection
func (r *PostgresRegistry) ListTenants(ctx context.Context) ([]entity.TenantSummary, error) {
	query := `
		SELECT t.id, t.slug, t.display_name, t.status, td.domain AS primary_domain, t.created_at
		FROM tenants t` + primaryDomainJoin + `
		ORDER BY t.created_at ASC`

	summaries := []entity.TenantSummary{}
	if err := r.db.SelectContext(ctx, &summaries, query); err != nil {
		return nil, err
	}
	return summaries, nil
}

// ListAllActiveTenants returns active tenants in creation order. The
// migrators depend on this ordering for canary selection.
func (r *PostgresRegistry) ListAllActiveTenants(ctx context.Context) ([]entity.Tenant, error) {
	query := `SELECT` + tenantColumns + `
		FROM tenants t` + primaryDomainJoin + `
		WHERE t.status = 'active'
		ORDER BY t.created_at ASC`

	tenants := []entity.Tenant{}
	if err := r.db.SelectContext(ctx, &tenants, query); err != nil {
		return nil, err
	}
	return tenants, nil
}

// ListTenantsWithDefaultOrg is the single-query projection for the tenant
// switcher; avoids an N+1 over GetDefaultOrg.
func (r *PostgresRegistry) ListTenantsWithDefaultOrg(ctx context.Context) ([]entity.TenantWithDefaultOrg, error) {
	query := `
		SELECT t.id, t.slug, t.display_name, td.domain AS primary_domain, o.id AS default_org_id
		FROM tenants t
		JOIN orgs o ON o.tenant_id = t.id AND o.is_default = TRUE` + primaryDomainJoin + `
		WHERE t.status = 'active'
		ORDER BY t.created_at ASC`

	result := []entity.TenantWithDefaultOrg{}
	if err := r.db.SelectContext(ctx, &result, query); err != nil {
		return nil, err
	}
	return result, nil
}

// GetOrg retrieves an org by ID
func (r *PostgresRegistry) GetOrg(ctx context.Context, id uuid.UUID) (*entity.Org, error) {
	query := `SELECT` + orgColumns + ` FROM orgs o WHERE o.id = $1`

	var org entity.Org
	if err := r.db.GetContext(ctx, &org, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &org, nil
}

// GetOrgBySlug retrieves an org by its slug within a tenant
func (r *PostgresRegistry) GetOrgBySlug(ctx context.Context, tenantID uuid.UUID, slug string) (*entity.Org, error) {
	query := `SELECT` + orgColumns + ` FROM orgs o WHERE o.tenant_id = $1 AND o.slug = $2`

	var org entity.Org
	if err := r.db.GetContext(ctx, &org, query, tenantID, slug); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &org, nil
}

// GetDefaultOrg retrieves the tenant's default org. At most one org per
// tenant has is_default = TRUE.
func (r *PostgresRegistry) GetDefaultOrg(ctx context.Context, tenantID uuid.UUID) (*entity.Org, error) {
	query := `SELECT` + orgColumns + ` FROM orgs o WHERE o.tenant_id = $1 AND o.is_default = TRUE`

	var org entity.Org
	if err := r.db.GetContext(ctx, &org, query, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &org, nil
}

// ListOrgs returns every org of a tenant
func (r *PostgresRegistry) ListOrgs(ctx context.Context, tenantID uuid.UUID) ([]entity.Org, error) {
	query := `SELECT` + orgColumns + ` FROM orgs o WHERE o.tenant_id = $1 ORDER BY o.created_at ASC`

	orgs := []entity.Org{}
	if err := r.db.SelectContext(ctx, &orgs, query, tenantID); err != nil {
		return nil, err
	}
	return orgs, nil
}

// ListAllActiveOrgs returns the tenant's active orgs in creation order
func (r *PostgresRegistry) ListAllActiveOrgs(ctx context.Context, tenantID uuid.UUID) ([]entity.Org, error) {
	query := `SELECT` + orgColumns + `
		FROM orgs o
		WHERE o.tenant_id = $1 AND o.status = 'active'
		ORDER BY o.created_at ASC`

	orgs := []entity.Org{}
	if err := r.db.SelectContext(ctx, &orgs, query, tenantID); err != nil {
		return nil, err
	}
	return orgs, nil
}

// GetTenantOrgByInstallationID resolves a GitHub installation id to its
// active (tenant, org) pair.
func (r *PostgresRegistry) GetTenantOrgByInstallationID(ctx context.Context, installationID int64) (*entity.TenantOrg, error) {
	query := `
		SELECT` + tenantOrgColumns + `
		FROM github_installation_mappings m
		JOIN tenants t ON t.id = m.tenant_id AND t.status = 'active'
		JOIN orgs o ON o.id = m.org_id AND o.status = 'active'` + primaryDomainJoin + `
		WHERE m.installation_id = $1`

	var row tenantOrgRow
	if err := r.db.GetContext(ctx, &row, query, installationID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row.toTenantOrg(), nil
}

// deleteStaleMappings reclaims orphaned rows left by re-installs: any
// mapping for the same account login under a different installation id.
func deleteStaleMappings(ctx context.Context, tx *sqlx.Tx, params entity.InstallationMappingParams) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM github_installation_mappings
		WHERE github_account_login = $1 AND installation_id <> $2`,
		params.GitHubAccountLogin, params.InstallationID)
	return err
}

// CreateInstallationMapping upserts a mapping: inserting for an existing
// installation id overwrites it. Stale-delete and upsert run in one
// transaction.
func (r *PostgresRegistry) CreateInstallationMapping(ctx context.Context, params entity.InstallationMappingParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // safe after commit

	if err := deleteStaleMappings(ctx, tx, params); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO github_installation_mappings
			(id, installation_id, tenant_id, org_id, github_account_login, github_account_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (installation_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			org_id = EXCLUDED.org_id,
			github_account_login = EXCLUDED.github_account_login,
			github_account_type = EXCLUDED.github_account_type,
			updated_at = NOW()`,
		uuid.New(), params.InstallationID, params.TenantID, params.OrgID,
		params.GitHubAccountLogin, params.GitHubAccountType)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// EnsureInstallationMapping is the gap-fill variant: insert-or-nothing,
// never overwrites an existing mapping. Returns whether a row was created.
func (r *PostgresRegistry) EnsureInstallationMapping(ctx context.Context, params entity.InstallationMappingParams) (bool, error) {
	if err := params.Validate(); err != nil {
		return false, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // safe after commit

	if err := deleteStaleMappings(ctx, tx, params); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO github_installation_mappings
			(id, installation_id, tenant_id, org_id, github_account_login, github_account_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (installation_id) DO NOTHING`,
		uuid.New(), params.InstallationID, params.TenantID, params.OrgID,
		params.GitHubAccountLogin, params.GitHubAccountType)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteInstallationMapping removes a mapping by installation id
func (r *PostgresRegistry) DeleteInstallationMapping(ctx context.Context, installationID int64) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM github_installation_mappings WHERE installation_id = $1`, installationID)
	return err
}

// Close releases the control-plane handle
func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}
