package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jolli/tenantfabric/internal/domain/entity"
	"github.com/jolli/tenantfabric/internal/domain/errors"
	"github.com/jolli/tenantfabric/internal/domain/repository"
	"github.com/jolli/tenantfabric/internal/infrastructure/database"
	"github.com/jolli/tenantfabric/internal/infrastructure/logger"
	"github.com/jolli/tenantfabric/internal/infrastructure/tenant"
	"github.com/jolli/tenantfabric/pkg/cache"
)

// lookupCacheTTL bounds how long resolved tenants are reused before the
// registry is consulted again.
const lookupCacheTTL = time.Minute

// ConnectionGetter is the slice of the connection manager the middleware
// needs.
type ConnectionGetter interface {
	GetConnection(ctx context.Context, t *entity.Tenant, org *entity.Org, opts ...database.GetOption) (*database.Database, error)
}

// ClaimsParser extracts an explicit tenant/org claim from a bearer token.
// Optional; resolution strategy 3 is skipped when nil.
type ClaimsParser func(token string) (tenantSlug, orgSlug string, err error)

// TenantMiddleware resolves the acting (tenant, org) for every request
// and binds the tenant context before the handler runs.
type TenantMiddleware struct {
	registry    repository.TenantRegistry
	connections ConnectionGetter
	baseDomain  string
	parseClaims ClaimsParser
	lookups     cache.Cache
}

// NewTenantMiddleware creates a new tenant middleware instance
func NewTenantMiddleware(reg repository.TenantRegistry, connections ConnectionGetter, baseDomain string, parseClaims ClaimsParser) *TenantMiddleware {
	return &TenantMiddleware{
		registry:    reg,
		connections: connections,
		baseDomain:  strings.ToLower(baseDomain),
		parseClaims: parseClaims,
		lookups:     cache.NewInMemoryCache(lookupCacheTTL, 5*time.Minute),
	}
}

// Resolve determines the acting (tenant, org) and runs the rest of the
// chain under the bound tenant context. Unresolvable requests get a
// client error; the handler never runs.
func (tm *TenantMiddleware) Resolve() gin.HandlerFunc {
	return func(c *gin.Context) {
		pair, err := tm.resolvePair(c)
		if err != nil {
			logger.Logger.Warn().Err(err).
				Str("host", c.Request.Host).Str("path", c.Request.URL.Path).
				Msg("tenant resolution failed")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "tenant_resolution_failed",
				"message": "Unable to resolve tenant from request",
			})
			c.Abort()
			return
		}
		if pair == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_tenant",
				"message": errors.ErrUnknownTenant.Error(),
			})
			c.Abort()
			return
		}

		db, err := tm.connections.GetConnection(c.Request.Context(), pair.Tenant, pair.Org)
		if err != nil {
			logger.Logger.Error().Err(err).
				Str("tenant", pair.Tenant.Slug).Str("org", pair.Org.Slug).
				Msg("failed to acquire tenant connection")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "tenant_connection_failed",
				"message": "Tenant database is unavailable",
			})
			c.Abort()
			return
		}

		tc := tenant.New(pair.Tenant, pair.Org, db)
		c.Request = c.Request.WithContext(tenant.With(c.Request.Context(), tc))

		// Gin-side mirrors for handlers and metrics
		c.Set("tenant_context", tc)
		c.Set("tenant_slug", pair.Tenant.Slug)
		c.Set("org_slug", pair.Org.Slug)

		c.Next()
	}
}

// resolvePair walks the resolution strategies in order; first match wins
func (tm *TenantMiddleware) resolvePair(c *gin.Context) (*entity.TenantOrg, error) {
	host := normalizeHost(c.Request.Host)

	// Strategy 1: verified custom domain
	if host != "" && host != tm.baseDomain && !strings.HasSuffix(host, "."+tm.baseDomain) {
		pair, err := tm.lookupByDomain(c.Request.Context(), host)
		if err != nil {
			return nil, err
		}
		if pair != nil {
			return pair, nil
		}
	}

	// Strategy 2: <tenant-slug>.<base_domain>
	if slug := tm.extractSubdomain(host); slug != "" {
		pair, err := tm.lookupBySlug(c.Request.Context(), slug, "")
		if err != nil {
			return nil, err
		}
		if pair != nil {
			return pair, nil
		}
	}

	// Strategy 3: explicit JWT claim
	if tm.parseClaims != nil {
		if token := bearerToken(c.GetHeader("Authorization")); token != "" {
			tenantSlug, orgSlug, err := tm.parseClaims(token)
			if err == nil && tenantSlug != "" {
				pair, err := tm.lookupBySlug(c.Request.Context(), tenantSlug, orgSlug)
				if err != nil {
					return nil, err
				}
				if pair != nil {
					return pair, nil
				}
			}
		}
	}

	// Strategy 4: explicit headers, used primarily by internal tooling
	if tenantSlug := c.GetHeader("X-Tenant-Slug"); tenantSlug != "" {
		return tm.lookupBySlug(c.Request.Context(), tenantSlug, c.GetHeader("X-Org-Slug"))
	}

	return nil, nil
}

// lookupByDomain resolves a verified custom domain, caching hits
func (tm *TenantMiddleware) lookupByDomain(ctx context.Context, host string) (*entity.TenantOrg, error) {
	cacheKey := "domain:" + host
	if cached, ok := tm.lookups.Get(cacheKey); ok {
		return cached.(*entity.TenantOrg), nil
	}

	pair, err := tm.registry.GetTenantByDomain(ctx, host)
	if err != nil {
		return nil, err
	}
	if pair != nil {
		tm.lookups.Set(cacheKey, pair)
	}
	return pair, nil
}

// lookupBySlug resolves a tenant slug plus an optional org slug (default
// org when empty). Inactive tenants and orgs do not resolve.
func (tm *TenantMiddleware) lookupBySlug(ctx context.Context, tenantSlug, orgSlug string) (*entity.TenantOrg, error) {
	cacheKey := "slug:" + tenantSlug + "/" + orgSlug
	if cached, ok := tm.lookups.Get(cacheKey); ok {
		return cached.(*entity.TenantOrg), nil
	}

	t, err := tm.registry.GetTenantBySlug(ctx, tenantSlug)
	if err != nil {
		return nil, err
	}
	if t == nil || !t.IsActive() {
		return nil, nil
	}

	var org *entity.Org
	if orgSlug == "" {
		org, err = tm.registry.GetDefaultOrg(ctx, t.ID)
	} else {
		org, err = tm.registry.GetOrgBySlug(ctx, t.ID, orgSlug)
	}
	if err != nil {
		return nil, err
	}
	if org == nil || !org.IsActive() {
		return nil, nil
	}

	pair := &entity.TenantOrg{Tenant: t, Org: org}
	tm.lookups.Set(cacheKey, pair)
	return pair, nil
}

// extractSubdomain returns the tenant slug when host is exactly one label
// under the configured base domain.
func (tm *TenantMiddleware) extractSubdomain(host string) string {
	if tm.baseDomain == "" || host == "" {
		return ""
	}
	if !strings.HasSuffix(host, "."+tm.baseDomain) {
		return ""
	}
	slug := strings.TrimSuffix(host, "."+tm.baseDomain)
	if slug == "" || strings.Contains(slug, ".") {
		return ""
	}
	return slug
}

// normalizeHost lowercases and strips the port from a request host
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if colonIndex := strings.LastIndex(host, ":"); colonIndex > 0 {
		host = host[:colonIndex]
	}
	return host
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// GetTenantContext extracts the tenant context from a Gin context
func GetTenantContext(c *gin.Context) *tenant.Context {
	if tc, exists := c.Get("tenant_context"); exists {
		return tc.(*tenant.Context)
	}
	return nil
}
