package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jolli/tenantfabric/internal/domain/entity"
	"github.com/jolli/tenantfabric/internal/domain/repository"
	"github.com/jolli/tenantfabric/internal/infrastructure/database"
	"github.com/jolli/tenantfabric/internal/infrastructure/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// resolverRegistry serves a single tenant with one default org
type resolverRegistry struct {
	repository.TenantRegistry
	tenant *entity.Tenant
	org    *entity.Org
	domain string
}

func (f *resolverRegistry) GetTenantByDomain(ctx context.Context, domain string) (*entity.TenantOrg, error) {
	if f.domain != "" && domain == f.domain {
		return &entity.TenantOrg{Tenant: f.tenant, Org: f.org}, nil
	}
	return nil, nil
}

func (f *resolverRegistry) GetTenantBySlug(ctx context.Context, slug string) (*entity.Tenant, error) {
	if f.tenant != nil && f.tenant.Slug == slug {
		return f.tenant, nil
	}
	return nil, nil
}

func (f *resolverRegistry) GetDefaultOrg(ctx context.Context, tenantID uuid.UUID) (*entity.Org, error) {
	if f.org != nil && f.org.IsDefault {
		return f.org, nil
	}
	return nil, nil
}

func (f *resolverRegistry) GetOrgBySlug(ctx context.Context, tenantID uuid.UUID, slug string) (*entity.Org, error) {
	if f.org != nil && f.org.Slug == slug {
		return f.org, nil
	}
	return nil, nil
}

// fakeConnections returns a canned database for every (tenant, org)
type fakeConnections struct {
	db    *database.Database
	calls int
	err   error
}

func (f *fakeConnections) GetConnection(ctx context.Context, t *entity.Tenant, org *entity.Org, opts ...database.GetOption) (*database.Database, error) {
	f.calls++
	return f.db, f.err
}

func fixtures() (*resolverRegistry, *fakeConnections) {
	t := &entity.Tenant{ID: uuid.New(), Slug: "acme", Status: entity.TenantStatusActive}
	org := &entity.Org{
		ID: uuid.New(), TenantID: t.ID, Slug: "main",
		SchemaName: "org_acme", Status: entity.OrgStatusActive, IsDefault: true,
	}
	return &resolverRegistry{tenant: t, org: org, domain: "docs.example.com"}, &fakeConnections{}
}

func serve(tm *TenantMiddleware, host string, headers map[string]string) (*httptest.ResponseRecorder, *tenant.Context) {
	var captured *tenant.Context

	engine := gin.New()
	engine.Use(tm.Resolve())
	engine.GET("/ping", func(c *gin.Context) {
		captured = tenant.Get(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "http://"+host+"/ping", nil)
	req.Host = host
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w, captured
}

func TestResolveByCustomDomain(t *testing.T) {
	reg, conns := fixtures()
	tm := NewTenantMiddleware(reg, conns, "example.app", nil)

	w, tc := serve(tm, "docs.example.com", nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, tc)
	assert.Equal(t, "acme", tc.Tenant.Slug)
	assert.Equal(t, "org_acme", tc.SchemaName)
	assert.Equal(t, 1, conns.calls)
}

func TestResolveByCustomDomainIsCaseInsensitive(t *testing.T) {
	reg, conns := fixtures()
	tm := NewTenantMiddleware(reg, conns, "example.app", nil)

	w, tc := serve(tm, "DOCS.EXAMPLE.COM", nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, tc)
	assert.Equal(t, "acme", tc.Tenant.Slug)
}

func TestResolveBySubdomain(t *testing.T) {
	reg, conns := fixtures()
	reg.domain = "" // no custom domain registered
	tm := NewTenantMiddleware(reg, conns, "example.app", nil)

	w, tc := serve(tm, "acme.example.app", nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, tc)
	assert.Equal(t, "acme", tc.Tenant.Slug)
	assert.Equal(t, "main", tc.Org.Slug)
}

func TestResolveByHeaders(t *testing.T) {
	reg, conns := fixtures()
	reg.domain = ""
	tm := NewTenantMiddleware(reg, conns, "example.app", nil)

	w, tc := serve(tm, "internal.tools.local", map[string]string{
		"X-Tenant-Slug": "acme",
		"X-Org-Slug":    "main",
	})

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, tc)
	assert.Equal(t, "main", tc.Org.Slug)
}

func TestUnknownTenantRejected(t *testing.T) {
	reg, conns := fixtures()
	reg.domain = ""
	tm := NewTenantMiddleware(reg, conns, "example.app", nil)

	w, tc := serve(tm, "nobody.elsewhere.io", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Nil(t, tc, "handler must not run without a resolved tenant")
	assert.Equal(t, 0, conns.calls)
	assert.Contains(t, w.Body.String(), "unknown_tenant")
}

func TestInactiveTenantDoesNotResolve(t *testing.T) {
	reg, conns := fixtures()
	reg.domain = ""
	reg.tenant.Status = entity.TenantStatusSuspended
	tm := NewTenantMiddleware(reg, conns, "example.app", nil)

	w, _ := serve(tm, "acme.example.app", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNestedSubdomainDoesNotResolve(t *testing.T) {
	reg, conns := fixtures()
	reg.domain = ""
	tm := NewTenantMiddleware(reg, conns, "example.app", nil)

	w, _ := serve(tm, "deep.acme.example.app", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
