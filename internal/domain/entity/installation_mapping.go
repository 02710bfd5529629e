package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InstallationMapping binds an external GitHub installation id to a
// (tenant, org) pair. Unique by installation_id.
type InstallationMapping struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	InstallationID     int64     `json:"installation_id" db:"installation_id"`
	TenantID           uuid.UUID `json:"tenant_id" db:"tenant_id"`
	OrgID              uuid.UUID `json:"org_id" db:"org_id"`
	GitHubAccountLogin string    `json:"github_account_login" db:"github_account_login"`
	GitHubAccountType  string    `json:"github_account_type" db:"github_account_type"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// InstallationMappingParams are the caller-supplied fields for the
// create/ensure operations.
type InstallationMappingParams struct {
	InstallationID     int64
	TenantID           uuid.UUID
	OrgID              uuid.UUID
	GitHubAccountLogin string
	GitHubAccountType  string
}

// Validate performs validation of mapping parameters
func (p *InstallationMappingParams) Validate() error {
	if p.InstallationID <= 0 {
		return fmt.Errorf("installation_id is required")
	}
	if p.TenantID == uuid.Nil {
		return fmt.Errorf("tenant_id is required")
	}
	if p.OrgID == uuid.Nil {
		return fmt.Errorf("org_id is required")
	}
	if p.GitHubAccountLogin == "" {
		return fmt.Errorf("github_account_login is required")
	}
	return nil
}
