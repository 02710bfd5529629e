package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jolli/tenantfabric/internal/domain/entity"
	"github.com/jolli/tenantfabric/internal/domain/errors"
	"github.com/jolli/tenantfabric/internal/domain/repository"
)

// fakeRegistry serves a fixed database config; only the config lookup is
// used by the manager.
type fakeRegistry struct {
	repository.TenantRegistry
	cfg   *entity.DatabaseConfig
	err   error
	calls atomic.Int64
}

func (f *fakeRegistry) GetTenantDatabaseConfig(ctx context.Context, tenantID uuid.UUID) (*entity.DatabaseConfig, error) {
	f.calls.Add(1)
	return f.cfg, f.err
}

// countingCatalog records sync invocations and can fail or block on demand
type countingCatalog struct {
	mu       sync.Mutex
	syncs    int
	forces   int
	failNext bool
	blockOn  chan struct{}
}

func (c *countingCatalog) Sync(ctx context.Context, conn sqlx.ExtContext, schemaName string, opts SyncOptions) error {
	c.mu.Lock()
	block := c.blockOn
	fail := c.failNext
	c.failNext = false
	c.syncs++
	if opts.ForceSync {
		c.forces++
	}
	c.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return fmt.Errorf("sync exploded")
	}
	return nil
}

func (c *countingCatalog) syncCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncs
}

// newMockHandleFactory returns a factory producing sqlmock-backed handles
// and a counter of invocations.
func newMockHandleFactory(t *testing.T) (HandleFactory, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	factory := func(cfg entity.DatabaseConfig, password, schemaName string) (*sqlx.DB, error) {
		calls.Add(1)
		db, _, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		return sqlx.NewDb(db, "sqlmock"), nil
	}
	return factory, &calls
}

func testTenant(slug string) *entity.Tenant {
	return &entity.Tenant{
		ID:     uuid.New(),
		Slug:   slug,
		Status: entity.TenantStatusActive,
	}
}

func testOrg(tenantID uuid.UUID, slug, schema string) *entity.Org {
	return &entity.Org{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Slug:       slug,
		SchemaName: schema,
		Status:     entity.OrgStatusActive,
	}
}

func newTestManager(t *testing.T, reg *fakeRegistry, cat *countingCatalog, maxConns int, ttl time.Duration) (*ConnectionManager, *atomic.Int64) {
	t.Helper()
	factory, calls := newMockHandleFactory(t)
	cm := NewConnectionManager(reg, ManagerOptions{
		MaxConnections: maxConns,
		TTL:            ttl,
		NewHandle:      factory,
		NewDatabase:    NewDatabaseFactory(cat),
	})
	return cm, calls
}

func activeConfig() *entity.DatabaseConfig {
	return &entity.DatabaseConfig{
		Host:              "db.internal",
		Port:              5432,
		Database:          "fleet",
		Username:          "app",
		PasswordEncrypted: "s3cret",
	}
}

func TestGetConnectionCacheHit(t *testing.T) {
	reg := &fakeRegistry{cfg: activeConfig()}
	cat := &countingCatalog{}
	cm, handleCalls := newTestManager(t, reg, cat, 10, time.Hour)

	tn := testTenant("t1")
	org := testOrg(tn.ID, "o1", "org_alpha")

	first, err := cm.GetConnection(context.Background(), tn, org)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int64(1), handleCalls.Load())

	second, err := cm.GetConnection(context.Background(), tn, org)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), handleCalls.Load(), "factory must not run on a cache hit")
	assert.Equal(t, 1, cm.CacheSize())
	assert.Equal(t, "org_alpha", first.SchemaName())
}

func TestGetConnectionSingleFlight(t *testing.T) {
	reg := &fakeRegistry{cfg: activeConfig()}
	release := make(chan struct{})
	cat := &countingCatalog{blockOn: release}
	cm, handleCalls := newTestManager(t, reg, cat, 10, time.Hour)

	tn := testTenant("t1")
	org := testOrg(tn.ID, "o1", "org_alpha")

	const callers = 8
	results := make([]*Database, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cm.GetConnection(context.Background(), tn, org)
		}(i)
	}

	// Let callers pile up on the pending init, then release it.
	time.Sleep(50 * time.Millisecond)
	cat.mu.Lock()
	cat.blockOn = nil
	cat.mu.Unlock()
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int64(1), handleCalls.Load(), "create pipeline must run exactly once")
	assert.Equal(t, 1, cat.syncCount())
	assert.Equal(t, 1, cm.CacheSize())
}

func TestGetConnectionLRUEviction(t *testing.T) {
	reg := &fakeRegistry{cfg: activeConfig()}
	cat := &countingCatalog{}
	cm, handleCalls := newTestManager(t, reg, cat, 3, time.Hour)

	tn := testTenant("t1")
	o1 := testOrg(tn.ID, "o1", "org_1")
	o2 := testOrg(tn.ID, "o2", "org_2")
	o3 := testOrg(tn.ID, "o3", "org_3")
	o4 := testOrg(tn.ID, "o4", "org_4")

	ctx := context.Background()
	for _, org := range []*entity.Org{o1, o2, o3} {
		_, err := cm.GetConnection(ctx, tn, org)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, 3, cm.CacheSize())

	// Touch o1 so o2 becomes the LRU victim.
	_, err := cm.GetConnection(ctx, tn, o1)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	_, err = cm.GetConnection(ctx, tn, o4)
	require.NoError(t, err)
	assert.Equal(t, 3, cm.CacheSize())
	assert.Equal(t, int64(4), handleCalls.Load())

	// o1 and o3 survived; o2 needs a fresh init.
	_, err = cm.GetConnection(ctx, tn, o1)
	require.NoError(t, err)
	_, err = cm.GetConnection(ctx, tn, o3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), handleCalls.Load())

	_, err = cm.GetConnection(ctx, tn, o2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), handleCalls.Load(), "evicted entry must reinitialize")
	assert.Equal(t, 3, cm.CacheSize())
}

func TestGetConnectionCapacityBound(t *testing.T) {
	reg := &fakeRegistry{cfg: activeConfig()}
	cat := &countingCatalog{}
	cm, _ := newTestManager(t, reg, cat, 2, time.Hour)

	tn := testTenant("t1")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		org := testOrg(tn.ID, fmt.Sprintf("o%d", i), fmt.Sprintf("org_%d", i))
		_, err := cm.GetConnection(ctx, tn, org)
		require.NoError(t, err)
		assert.LessOrEqual(t, cm.CacheSize(), 2)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestGetConnectionNoDatabaseConfig(t *testing.T) {
	reg := &fakeRegistry{cfg: nil}
	cat := &countingCatalog{}
	cm, handleCalls := newTestManager(t, reg, cat, 10, time.Hour)

	tn := testTenant("t1")
	org := testOrg(tn.ID, "o1", "org_alpha")

	_, err := cm.GetConnection(context.Background(), tn, org)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoDatabaseConfig)
	assert.Equal(t, int64(0), handleCalls.Load())
	assert.Equal(t, 0, cm.CacheSize(), "failed init must clear the placeholder")
}

func TestGetConnectionFailureIsolation(t *testing.T) {
	reg := &fakeRegistry{cfg: activeConfig()}
	cat := &countingCatalog{failNext: true}
	cm, handleCalls := newTestManager(t, reg, cat, 10, time.Hour)

	tn := testTenant("t1")
	org := testOrg(tn.ID, "o1", "org_alpha")

	_, err := cm.GetConnection(context.Background(), tn, org)
	require.Error(t, err)
	assert.Equal(t, 0, cm.CacheSize())

	// The next call retries from scratch and succeeds.
	db, err := cm.GetConnection(context.Background(), tn, org)
	require.NoError(t, err)
	require.NotNil(t, db)
	assert.Equal(t, int64(2), handleCalls.Load())
	assert.Equal(t, 1, cm.CacheSize())
}

func TestForceSyncEvictsAndResyncs(t *testing.T) {
	reg := &fakeRegistry{cfg: activeConfig()}
	cat := &countingCatalog{}
	cm, handleCalls := newTestManager(t, reg, cat, 10, time.Hour)

	tn := testTenant("t1")
	org := testOrg(tn.ID, "o1", "org_alpha")
	ctx := context.Background()

	first, err := cm.GetConnection(ctx, tn, org)
	require.NoError(t, err)
	assert.Equal(t, 1, cat.syncCount())
	assert.Equal(t, 0, cat.forces)

	second, err := cm.GetConnection(ctx, tn, org, WithForceSync())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, cat.syncCount())
	assert.Equal(t, 1, cat.forces, "force flag must propagate to the catalog sync")
	assert.Equal(t, int64(2), handleCalls.Load())
	assert.Equal(t, 1, cm.CacheSize())
}

func TestEvictExpiredSkipsPendingInit(t *testing.T) {
	reg := &fakeRegistry{cfg: activeConfig()}
	release := make(chan struct{})
	cat := &countingCatalog{blockOn: release}
	cm, _ := newTestManager(t, reg, cat, 10, time.Nanosecond)

	tn := testTenant("t1")
	org := testOrg(tn.ID, "o1", "org_alpha")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cm.GetConnection(context.Background(), tn, org)
	}()

	// The init is pending; TTL eviction must leave it alone no matter how
	// stale it looks.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, cm.EvictExpired())
	assert.Equal(t, 1, cm.CacheSize())

	cat.mu.Lock()
	cat.blockOn = nil
	cat.mu.Unlock()
	close(release)
	<-done

	// Ready now, and older than the nanosecond TTL.
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, cm.EvictExpired())
	assert.Equal(t, 0, cm.CacheSize())
}

func TestEvictConnectionRemovesEntry(t *testing.T) {
	reg := &fakeRegistry{cfg: activeConfig()}
	cat := &countingCatalog{}
	cm, handleCalls := newTestManager(t, reg, cat, 10, time.Hour)

	tn := testTenant("t1")
	org := testOrg(tn.ID, "o1", "org_alpha")
	ctx := context.Background()

	_, err := cm.GetConnection(ctx, tn, org)
	require.NoError(t, err)

	cm.EvictConnection(ctx, tn.ID, org.ID)
	assert.Equal(t, 0, cm.CacheSize())

	_, err = cm.GetConnection(ctx, tn, org)
	require.NoError(t, err)
	assert.Equal(t, int64(2), handleCalls.Load())
}

func TestCloseAllEmptiesCache(t *testing.T) {
	reg := &fakeRegistry{cfg: activeConfig()}
	cat := &countingCatalog{}
	cm, _ := newTestManager(t, reg, cat, 10, time.Hour)

	tn := testTenant("t1")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		org := testOrg(tn.ID, fmt.Sprintf("o%d", i), fmt.Sprintf("org_%d", i))
		_, err := cm.GetConnection(ctx, tn, org)
		require.NoError(t, err)
	}
	require.Equal(t, 3, cm.CacheSize())

	cm.CloseAll(ctx)
	assert.Equal(t, 0, cm.CacheSize())
}

func TestCheckAllConnectionsHealth(t *testing.T) {
	reg := &fakeRegistry{cfg: activeConfig()}
	cat := &countingCatalog{}
	cm, _ := newTestManager(t, reg, cat, 10, time.Hour)

	tn := testTenant("t1")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		org := testOrg(tn.ID, fmt.Sprintf("o%d", i), fmt.Sprintf("org_%d", i))
		_, err := cm.GetConnection(ctx, tn, org)
		require.NoError(t, err)
	}

	report := cm.CheckAllConnectionsHealth(ctx, time.Second)
	require.Len(t, report.Connections, 2)
	assert.True(t, report.Healthy)
	for _, conn := range report.Connections {
		assert.True(t, conn.Healthy)
		assert.Equal(t, "t1", conn.TenantSlug)
	}
}
