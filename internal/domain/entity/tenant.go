package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TenantStatus represents the lifecycle status of a tenant
type TenantStatus string

const (
	TenantStatusActive      TenantStatus = "active"
	TenantStatusProvisioned TenantStatus = "provisioned"
	TenantStatusSuspended   TenantStatus = "suspended"
	TenantStatusArchived    TenantStatus = "archived"
)

// IsValid checks if the tenant status is a recognized member
func (s TenantStatus) IsValid() bool {
	switch s {
	case TenantStatusActive, TenantStatusProvisioned, TenantStatusSuspended, TenantStatusArchived:
		return true
	default:
		return false
	}
}

// DeploymentType represents how a tenant's data plane is deployed
type DeploymentType string

const (
	DeploymentTypeShared    DeploymentType = "shared"
	DeploymentTypeDedicated DeploymentType = "dedicated"
)

// IsValid checks if the deployment type is valid
func (d DeploymentType) IsValid() bool {
	switch d {
	case DeploymentTypeShared, DeploymentTypeDedicated:
		return true
	default:
		return false
	}
}

// ConfigMap is a free-form configuration mapping stored as JSONB
type ConfigMap map[string]interface{}

// Value implements driver.Valuer interface for database storage
func (c ConfigMap) Value() (driver.Value, error) {
	if c == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner interface for database retrieval
func (c *ConfigMap) Scan(value interface{}) error {
	if value == nil {
		*c = ConfigMap{}
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ConfigMap", value)
	}

	return json.Unmarshal(b, c)
}

// FeatureFlags is a boolean feature-flag mapping stored as JSONB
type FeatureFlags map[string]bool

// Value implements driver.Valuer interface for database storage
func (f FeatureFlags) Value() (driver.Value, error) {
	if f == nil {
		return json.Marshal(map[string]bool{})
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner interface for database retrieval
func (f *FeatureFlags) Scan(value interface{}) error {
	if value == nil {
		*f = FeatureFlags{}
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into FeatureFlags", value)
	}

	return json.Unmarshal(b, f)
}

// Tenant represents a top-level customer
type Tenant struct {
	ID                 uuid.UUID      `json:"id" db:"id"`
	Slug               string         `json:"slug" db:"slug"`
	DisplayName        string         `json:"display_name" db:"display_name"`
	Status             TenantStatus   `json:"status" db:"status"`
	DeploymentType     DeploymentType `json:"deployment_type" db:"deployment_type"`
	DatabaseProviderID *uuid.UUID     `json:"database_provider_id,omitempty" db:"database_provider_id"`
	Configs            ConfigMap      `json:"configs" db:"configs"`
	ConfigsUpdatedAt   *time.Time     `json:"configs_updated_at,omitempty" db:"configs_updated_at"`
	FeatureFlags       FeatureFlags   `json:"feature_flags" db:"feature_flags"`
	PrimaryDomain      *string        `json:"primary_domain,omitempty" db:"primary_domain"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
	ProvisionedAt      *time.Time     `json:"provisioned_at,omitempty" db:"provisioned_at"`
}

// Validate performs validation of tenant data
func (t *Tenant) Validate() error {
	if t.Slug == "" {
		return fmt.Errorf("tenant slug is required")
	}
	if !isValidTenantSlug(t.Slug) {
		return fmt.Errorf("tenant slug must be lowercase alphanumeric with hyphens, 2-63 characters")
	}
	if t.DisplayName == "" {
		return fmt.Errorf("tenant display name is required")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid tenant status: %s", t.Status)
	}
	if !t.DeploymentType.IsValid() {
		return fmt.Errorf("invalid deployment type: %s", t.DeploymentType)
	}
	return nil
}

// IsActive reports whether the tenant can serve traffic
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// TenantSummary is a non-credential projection used by list endpoints
type TenantSummary struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	Slug          string       `json:"slug" db:"slug"`
	DisplayName   string       `json:"display_name" db:"display_name"`
	Status        TenantStatus `json:"status" db:"status"`
	PrimaryDomain *string      `json:"primary_domain,omitempty" db:"primary_domain"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// TenantWithDefaultOrg is the single-query projection for the tenant switcher
type TenantWithDefaultOrg struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Slug          string    `json:"slug" db:"slug"`
	DisplayName   string    `json:"display_name" db:"display_name"`
	PrimaryDomain *string   `json:"primary_domain,omitempty" db:"primary_domain"`
	DefaultOrgID  uuid.UUID `json:"default_org_id" db:"default_org_id"`
}

// TenantOrg pairs a tenant with one of its orgs
type TenantOrg struct {
	Tenant *Tenant `json:"tenant"`
	Org    *Org    `json:"org"`
}

var tenantSlugRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

func isValidTenantSlug(slug string) bool {
	if len(slug) < 2 || len(slug) > 63 {
		return false
	}
	return tenantSlugRegex.MatchString(slug)
}

// NormalizeDomain lowercases a domain for lookups and storage
func NormalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
