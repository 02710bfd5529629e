package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/jolli/tenantfabric/internal/domain/entity"
)

// DefaultPoolMaxPerConnection is the physical pool size per handle when
// the provider row does not override it.
const DefaultPoolMaxPerConnection = 5

// HandleFactory builds a schema-bound *sqlx.DB for an org. Every physical
// connection in the pool starts with search_path set to the double-quoted
// schema; the quoting preserves case and tolerates hyphens.
type HandleFactory func(cfg entity.DatabaseConfig, password, schemaName string) (*sqlx.DB, error)

// QuoteSchema double-quotes a schema name for SQL interpolation
func QuoteSchema(schemaName string) string {
	return `"` + strings.ReplaceAll(schemaName, `"`, `""`) + `"`
}

// dsnValue quotes a libpq keyword/value entry so embedded quotes and
// spaces survive.
func dsnValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// BuildDSN renders the libpq connection string for an org handle. The
// search_path run-time parameter makes the server apply the schema to
// every physical connection before any statement runs; "public" is the
// only schema for which it is omitted.
func BuildDSN(cfg entity.DatabaseConfig, password, schemaName string) string {
	sslMode := "disable"
	if cfg.SSL {
		sslMode = "require"
	}

	parts := []string{
		"host=" + dsnValue(cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		"user=" + dsnValue(cfg.Username),
		"password=" + dsnValue(password),
		"dbname=" + dsnValue(cfg.Database),
		"sslmode=" + sslMode,
	}

	if schemaName != "" && schemaName != "public" {
		parts = append(parts, "search_path="+dsnValue(QuoteSchema(schemaName)))
	}

	return strings.Join(parts, " ")
}

// NewHandleFactory returns the default handle factory. poolMax bounds the
// physical pool when the provider row carries no override.
func NewHandleFactory(poolMax int) HandleFactory {
	if poolMax <= 0 {
		poolMax = DefaultPoolMaxPerConnection
	}

	return func(cfg entity.DatabaseConfig, password, schemaName string) (*sqlx.DB, error) {
		if !entity.IsValidSchemaName(schemaName) {
			return nil, fmt.Errorf("invalid schema name: %s", schemaName)
		}

		db, err := sqlx.Open("postgres", BuildDSN(cfg, password, schemaName))
		if err != nil {
			return nil, fmt.Errorf("failed to open org database connection: %w", err)
		}

		max := cfg.PoolMax
		if max <= 0 {
			max = poolMax
		}
		db.SetMaxOpenConns(max)
		db.SetMaxIdleConns(max)
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(10 * time.Minute)

		return db, nil
	}
}
