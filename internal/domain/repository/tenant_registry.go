package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/jolli/tenantfabric/internal/domain/entity"
)

// TenantRegistry provides typed, read-mostly access to the control-plane
// database. Lookups that find no row return (nil, nil); underlying
// database errors are surfaced unchanged and never retried here.
type TenantRegistry interface {
	// Tenant reads
	GetTenant(ctx context.Context, id uuid.UUID) (*entity.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*entity.Tenant, error)
	GetTenantDatabaseConfig(ctx context.Context, tenantID uuid.UUID) (*entity.DatabaseConfig, error)
	GetTenantByDomain(ctx context.Context, domain string) (*entity.TenantOrg, error)
	ListTenants(ctx context.Context) ([]entity.TenantSummary, error)
	ListAllActiveTenants(ctx context.Context) ([]entity.Tenant, error)
	ListTenantsWithDefaultOrg(ctx context.Context) ([]entity.TenantWithDefaultOrg, error)

	// Org reads
	GetOrg(ctx context.Context, id uuid.UUID) (*entity.Org, error)
	GetOrgBySlug(ctx context.Context, tenantID uuid.UUID, slug string) (*entity.Org, error)
	GetDefaultOrg(ctx context.Context, tenantID uuid.UUID) (*entity.Org, error)
	ListOrgs(ctx context.Context, tenantID uuid.UUID) ([]entity.Org, error)
	ListAllActiveOrgs(ctx context.Context, tenantID uuid.UUID) ([]entity.Org, error)

	// GitHub installation mappings
	GetTenantOrgByInstallationID(ctx context.Context, installationID int64) (*entity.TenantOrg, error)
	CreateInstallationMapping(ctx context.Context, params entity.InstallationMappingParams) error
	EnsureInstallationMapping(ctx context.Context, params entity.InstallationMappingParams) (bool, error)
	DeleteInstallationMapping(ctx context.Context, installationID int64) error

	// Close releases the control-plane handle
	Close() error
}
