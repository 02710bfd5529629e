package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jolli/tenantfabric/internal/config"
	"github.com/jolli/tenantfabric/internal/infrastructure/catalog"
	"github.com/jolli/tenantfabric/internal/infrastructure/database"
	"github.com/jolli/tenantfabric/internal/infrastructure/logger"
	"github.com/jolli/tenantfabric/internal/infrastructure/migrator"
	"github.com/jolli/tenantfabric/internal/infrastructure/registry"
	"github.com/jolli/tenantfabric/internal/interfaces/api/middleware"
	"github.com/jolli/tenantfabric/internal/interfaces/api/router"
	"github.com/jolli/tenantfabric/pkg/secrets"
)

func main() {
	logger.InitLogger()

	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	if !cfg.MultiTenant.Enabled {
		log.Fatal("MULTI_TENANT_ENABLED must be set; this service has no single-tenant mode")
	}

	// Control-plane schema first; the registry reads it immediately after.
	if err := registry.Migrate(cfg.MultiTenant.RegistryURL); err != nil {
		log.Fatalf("Failed to migrate registry database: %v", err)
	}

	reg, err := registry.NewPostgresRegistry(cfg.MultiTenant.RegistryURL)
	if err != nil {
		log.Fatalf("Failed to connect to registry database: %v", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Logger.Warn().Err(err).Msg("failed to close registry handle")
		}
	}()

	logger.DBLogger().Msg("connected to tenant registry")

	decrypt := secrets.DecryptFunc(cfg.MultiTenant.EncryptionKey)
	newHandle := database.NewHandleFactory(cfg.MultiTenant.PoolMaxPerConnection)
	newDatabase := database.NewDatabaseFactory(catalog.New())

	manager := database.NewConnectionManager(reg, database.ManagerOptions{
		MaxConnections: cfg.MultiTenant.ConnectionPoolMax,
		TTL:            cfg.MultiTenant.ConnectionTTL,
		Decrypt:        decrypt,
		NewHandle:      newHandle,
		NewDatabase:    newDatabase,
	})

	engine := migrator.NewMigrator(reg, decrypt, newHandle, newDatabase)
	if migrator.ShouldAutoMigrate(cfg.Environment, cfg.MultiTenant.Enabled, cfg.MultiTenant.SkipMigrations) {
		engine.RunDevAutoMigration(context.Background())
	}

	var parseClaims middleware.ClaimsParser
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		parseClaims = middleware.NewJWTClaimsParser([]byte(secret))
	}

	tm := middleware.NewTenantMiddleware(reg, manager, cfg.BaseDomain, parseClaims)
	r := router.NewRouter(reg, manager, tm)

	// Periodic TTL sweep over the connection cache
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 5m", func() {
		if n := manager.EvictExpired(); n > 0 {
			logger.DBLogger().Int("evicted", n).Msg("expired tenant connections evicted")
		}
	}); err != nil {
		log.Fatalf("Failed to schedule connection sweep: %v", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r.Setup(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Logger.Info().Str("port", cfg.Port).Msg("tenant fabric listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("server shutdown failed")
	}

	manager.CloseAll(shutdownCtx)
}
