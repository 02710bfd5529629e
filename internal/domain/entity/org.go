package entity

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// OrgStatus represents the status of an org
type OrgStatus string

const (
	OrgStatusActive   OrgStatus = "active"
	OrgStatusArchived OrgStatus = "archived"
)

// IsValid checks if the org status is valid
func (s OrgStatus) IsValid() bool {
	switch s {
	case OrgStatusActive, OrgStatusArchived:
		return true
	default:
		return false
	}
}

// Org represents a logical workspace within a tenant. Each org owns
// exactly one PostgreSQL schema.
type Org struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TenantID    uuid.UUID `json:"tenant_id" db:"tenant_id"`
	Slug        string    `json:"slug" db:"slug"`
	DisplayName string    `json:"display_name" db:"display_name"`
	SchemaName  string    `json:"schema_name" db:"schema_name"`
	Status      OrgStatus `json:"status" db:"status"`
	IsDefault   bool      `json:"is_default" db:"is_default"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// schemaNameRegex allows identifier characters plus hyphens. Schema names
// are always double-quoted when interpolated into SQL.
var schemaNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// IsValidSchemaName reports whether name is usable as a per-org schema
func IsValidSchemaName(name string) bool {
	return schemaNameRegex.MatchString(name)
}

// Validate performs validation of org data
func (o *Org) Validate() error {
	if o.TenantID == uuid.Nil {
		return fmt.Errorf("org tenant_id is required")
	}
	if o.Slug == "" {
		return fmt.Errorf("org slug is required")
	}
	if o.SchemaName == "" {
		return fmt.Errorf("org schema name is required")
	}
	if !IsValidSchemaName(o.SchemaName) {
		return fmt.Errorf("invalid org schema name: %s", o.SchemaName)
	}
	if o.SchemaName == "public" {
		return fmt.Errorf("org schema name must not be public")
	}
	if !o.Status.IsValid() {
		return fmt.Errorf("invalid org status: %s", o.Status)
	}
	return nil
}

// IsActive reports whether the org can serve traffic
func (o *Org) IsActive() bool {
	return o.Status == OrgStatusActive
}
