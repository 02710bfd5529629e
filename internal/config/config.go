package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// MultiTenantConfig holds the tenant fabric settings
type MultiTenantConfig struct {
	Enabled              bool
	RegistryURL          string `validate:"omitempty,uri"`
	ConnectionPoolMax    int    `validate:"gte=1"`
	ConnectionTTL        time.Duration
	PoolMaxPerConnection int `validate:"gte=1"`
	EncryptionKey        string
	SkipMigrations       bool
	CanaryTenantSlug     string
	CanaryOrgSlug        string
}

// Config holds all configuration for the application
type Config struct {
	Environment string
	Port        string
	BaseDomain  string
	LogLevel    string
	LogFile     string
	MultiTenant MultiTenantConfig
}

// AppConfig is the loaded global configuration
var AppConfig *Config

// LoadConfig reads .env (when present) and the environment into AppConfig
func LoadConfig() error {
	// .env is optional outside development
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnvWithDefault("APP_ENV", "development"),
		Port:        getEnvWithDefault("PORT", "8080"),
		BaseDomain:  os.Getenv("BASE_DOMAIN"),
		LogLevel:    getEnvWithDefault("LOG_LEVEL", "info"),
		LogFile:     os.Getenv("LOG_FILE"),
		MultiTenant: MultiTenantConfig{
			Enabled:              getEnvAsBool("MULTI_TENANT_ENABLED", false),
			RegistryURL:          os.Getenv("MULTI_TENANT_REGISTRY_URL"),
			ConnectionPoolMax:    getEnvAsInt("MULTI_TENANT_CONNECTION_POOL_MAX", 100),
			ConnectionTTL:        time.Duration(getEnvAsInt("MULTI_TENANT_CONNECTION_TTL_MS", 30*60*1000)) * time.Millisecond,
			PoolMaxPerConnection: getEnvAsInt("MULTI_TENANT_POOL_MAX_PER_CONNECTION", 5),
			EncryptionKey:        os.Getenv("DB_PASSWORD_ENCRYPTION_KEY"),
			SkipMigrations:       getEnvAsBool("SKIP_SCHEMA_MIGRATIONS", false),
			CanaryTenantSlug:     os.Getenv("CANARY_TENANT_SLUG"),
			CanaryOrgSlug:        os.Getenv("CANARY_ORG_SLUG"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	AppConfig = cfg
	return nil
}

// Validate checks structural and cross-field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.MultiTenant.Enabled && c.MultiTenant.RegistryURL == "" {
		return fmt.Errorf("MULTI_TENANT_REGISTRY_URL is required when MULTI_TENANT_ENABLED is set")
	}
	return nil
}

func getEnvWithDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
