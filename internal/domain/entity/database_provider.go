package entity

import (
	"fmt"

	"github.com/google/uuid"
)

// DatabaseProvider holds physical connection credentials shared across one
// or more tenants on a shared deployment. Credentials live only here,
// never on the tenant row.
type DatabaseProvider struct {
	ID                uuid.UUID `json:"-" db:"id"`
	DatabaseHost      string    `json:"-" db:"database_host"`
	DatabasePort      int       `json:"-" db:"database_port"`
	DatabaseName      string    `json:"-" db:"database_name"`
	DatabaseUsername  string    `json:"-" db:"database_username"`
	DatabasePassword  string    `json:"-" db:"database_password_encrypted"`
	DatabaseSSL       bool      `json:"-" db:"database_ssl"`
	DatabasePoolMax   int       `json:"-" db:"database_pool_max"`
}

// DatabaseConfig is the credential projection returned only by
// GetTenantDatabaseConfig. It is a distinct type from Tenant so a
// web-facing serializer can never leak credentials by accident.
type DatabaseConfig struct {
	Host              string `json:"-" db:"database_host"`
	Port              int    `json:"-" db:"database_port"`
	Database          string `json:"-" db:"database_name"`
	Username          string `json:"-" db:"database_username"`
	PasswordEncrypted string `json:"-" db:"database_password_encrypted"`
	SSL               bool   `json:"-" db:"database_ssl"`
	PoolMax           int    `json:"-" db:"database_pool_max"`
}

// Validate performs validation of the connection config
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Username == "" {
		return fmt.Errorf("database username is required")
	}
	return nil
}
