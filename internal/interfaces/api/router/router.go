package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jolli/tenantfabric/internal/domain/repository"
	"github.com/jolli/tenantfabric/internal/infrastructure/database"
	"github.com/jolli/tenantfabric/internal/infrastructure/tenant"
	"github.com/jolli/tenantfabric/internal/interfaces/api/middleware"
	"github.com/jolli/tenantfabric/pkg/metrics"
)

// Router wires the HTTP surface of the fabric
type Router struct {
	registry         repository.TenantRegistry
	manager          *database.ConnectionManager
	tenantMiddleware *middleware.TenantMiddleware
}

// NewRouter creates the router with its dependencies
func NewRouter(reg repository.TenantRegistry, manager *database.ConnectionManager, tm *middleware.TenantMiddleware) *Router {
	return &Router{
		registry:         reg,
		manager:          manager,
		tenantMiddleware: tm,
	}
}

// Setup builds the gin engine
func (r *Router) Setup() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(metrics.GinMiddleware())

	engine.GET("/health", r.health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api/v1")
	api.Use(r.tenantMiddleware.Resolve())
	{
		api.GET("/whoami", r.whoami)
	}

	return engine
}

// health reports connection-cache liveness for every cached org handle
func (r *Router) health(c *gin.Context) {
	report := r.manager.CheckAllConnectionsHealth(c.Request.Context(), 5*time.Second)

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":     report.Healthy,
		"cache_size":  r.manager.CacheSize(),
		"checked_at":  report.CheckedAt,
		"connections": report.Connections,
	})
}

// whoami exercises the full resolver -> context -> database path
func (r *Router) whoami(c *gin.Context) {
	tc, err := tenant.Require(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant":      tc.Tenant.Slug,
		"org":         tc.Org.Slug,
		"schema_name": tc.SchemaName,
	})
}
