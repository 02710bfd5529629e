package entity

import (
	"time"

	"github.com/google/uuid"
)

// TenantDomain maps a custom domain to a tenant. A domain is only
// resolvable once verified_at is set.
type TenantDomain struct {
	Domain     string     `json:"domain" db:"domain"`
	TenantID   uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	IsPrimary  bool       `json:"is_primary" db:"is_primary"`
	VerifiedAt *time.Time `json:"verified_at,omitempty" db:"verified_at"`
}

// IsVerified reports whether the domain may be used for resolution
func (d *TenantDomain) IsVerified() bool {
	return d.VerifiedAt != nil
}
