package tenant

import (
	"context"

	"github.com/jolli/tenantfabric/internal/domain/entity"
	"github.com/jolli/tenantfabric/internal/domain/errors"
	"github.com/jolli/tenantfabric/internal/infrastructure/database"
)

// Context holds the ambient (tenant, org, schema, database) record for the
// current request or task. It is immutable once bound; all work initiated
// under RunWith observes the same record through the request context.
type Context struct {
	Tenant     *entity.Tenant
	Org        *entity.Org
	SchemaName string
	Database   *database.Database
}

// contextKey is unexported so no other package can collide with the binding
type contextKey struct{}

// New builds a tenant context for an org; SchemaName is always taken from
// the org.
func New(t *entity.Tenant, org *entity.Org, db *database.Database) *Context {
	return &Context{
		Tenant:     t,
		Org:        org,
		SchemaName: org.SchemaName,
		Database:   db,
	}
}

// With returns a child context carrying tc. Nested bindings shadow;
// the outer binding is restored when the inner context goes out of scope.
func With(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// RunWith binds tc for the duration of fn. Cancellation of ctx propagates
// to all work performed under the binding.
func RunWith(ctx context.Context, tc *Context, fn func(context.Context) error) error {
	return fn(With(ctx, tc))
}

// Get returns the bound tenant context, or nil outside a bound region
func Get(ctx context.Context) *Context {
	tc, _ := ctx.Value(contextKey{}).(*Context)
	return tc
}

// Require returns the bound tenant context or ErrNoTenantContext
func Require(ctx context.Context) (*Context, error) {
	tc := Get(ctx)
	if tc == nil {
		return nil, errors.ErrNoTenantContext
	}
	return tc, nil
}

// RequireSchemaName returns the bound schema name or ErrNoTenantContext
func RequireSchemaName(ctx context.Context) (string, error) {
	tc, err := Require(ctx)
	if err != nil {
		return "", err
	}
	return tc.SchemaName, nil
}

// RequireDatabase returns the bound database handle or ErrNoTenantContext
func RequireDatabase(ctx context.Context) (*database.Database, error) {
	tc, err := Require(ctx)
	if err != nil {
		return nil, err
	}
	return tc.Database, nil
}
