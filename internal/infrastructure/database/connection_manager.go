package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jolli/tenantfabric/internal/domain/entity"
	"github.com/jolli/tenantfabric/internal/domain/errors"
	"github.com/jolli/tenantfabric/internal/domain/repository"
	"github.com/jolli/tenantfabric/internal/infrastructure/logger"
	"github.com/jolli/tenantfabric/pkg/metrics"
)

const (
	// DefaultMaxConnections bounds the cache when no override is given
	DefaultMaxConnections = 100
	// DefaultConnectionTTL expires untouched entries
	DefaultConnectionTTL = 30 * time.Minute
)

// DecryptFunc decrypts a provider's encrypted password blob
type DecryptFunc func(encrypted string) (string, error)

// connKey identifies one cached handle
type connKey struct {
	TenantID uuid.UUID
	OrgID    uuid.UUID
}

// initCall is the shared promise all concurrent callers of one key await.
// done is closed exactly once, after database/err are set.
type initCall struct {
	done     chan struct{}
	database *Database
	err      error
}

// cacheEntry is either ready (database set, init nil) or pending
// (init set, database nil). While pending, only init is meaningful.
type cacheEntry struct {
	database   *Database
	handle     interface{ Close() error }
	schemaName string
	tenantSlug string
	orgSlug    string
	lastUsed   time.Time
	init       *initCall
}

// ManagerOptions configure a ConnectionManager
type ManagerOptions struct {
	MaxConnections int
	TTL            time.Duration
	Decrypt        DecryptFunc
	NewHandle      HandleFactory
	NewDatabase    DatabaseFactory
}

// ConnectionManager is a bounded, concurrency-safe cache of per-(tenant,
// org) database handles with LRU+TTL eviction and single-flight
// initialization.
type ConnectionManager struct {
	registry    repository.TenantRegistry
	decrypt     DecryptFunc
	newHandle   HandleFactory
	newDatabase DatabaseFactory

	maxConnections int
	ttl            time.Duration

	mu      sync.Mutex
	entries map[connKey]*cacheEntry
}

// NewConnectionManager creates a new connection manager. The two
// factories are taken as values so tests stay hermetic and the migrators
// construct handles through the exact same path.
func NewConnectionManager(reg repository.TenantRegistry, opts ManagerOptions) *ConnectionManager {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultConnectionTTL
	}
	if opts.Decrypt == nil {
		opts.Decrypt = func(encrypted string) (string, error) { return encrypted, nil }
	}

	return &ConnectionManager{
		registry:       reg,
		decrypt:        opts.Decrypt,
		newHandle:      opts.NewHandle,
		newDatabase:    opts.NewDatabase,
		maxConnections: opts.MaxConnections,
		ttl:            opts.TTL,
		entries:        make(map[connKey]*cacheEntry),
	}
}

// GetOption customizes a GetConnection call
type GetOption func(*getOptions)

type getOptions struct {
	forceSync bool
}

// WithForceSync evicts any cached entry first so the create pipeline is
// guaranteed to run the catalog-sync step.
func WithForceSync() GetOption {
	return func(o *getOptions) { o.forceSync = true }
}

// GetConnection returns the schema-scoped Database for (tenant, org),
// creating and caching it on first use. For any key at most one create
// pipeline is in flight; all concurrent callers receive the same handle.
func (cm *ConnectionManager) GetConnection(ctx context.Context, t *entity.Tenant, org *entity.Org, opts ...GetOption) (*Database, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	key := connKey{TenantID: t.ID, OrgID: org.ID}

	for {
		cm.mu.Lock()
		entry, ok := cm.entries[key]

		if ok && o.forceSync {
			// Guarantee a fresh pipeline: drop whatever is cached,
			// awaiting an in-flight init before closing its result.
			cm.mu.Unlock()
			cm.evict(ctx, key, "force_sync")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		if ok && entry.init == nil {
			entry.lastUsed = time.Now()
			db := entry.database
			cm.mu.Unlock()
			return db, nil
		}

		if ok {
			// Join the in-flight init.
			call := entry.init
			cm.mu.Unlock()

			select {
			case <-call.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if call.err != nil {
				return nil, call.err
			}
			cm.touch(key)
			return call.database, nil
		}

		// Miss: make room, insert the placeholder, run the pipeline.
		cm.evictLRUVictimLocked()
		call := &initCall{done: make(chan struct{})}
		cm.entries[key] = &cacheEntry{
			init:       call,
			tenantSlug: t.Slug,
			orgSlug:    org.Slug,
			schemaName: org.SchemaName,
		}
		metrics.SetConnectionCacheSize(len(cm.entries))
		cm.mu.Unlock()

		db, err := cm.runCreatePipeline(ctx, t, org, key, call, o.forceSync)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

// runCreatePipeline executes steps 3-7 of the create pipeline and
// publishes the result through call.
func (cm *ConnectionManager) runCreatePipeline(ctx context.Context, t *entity.Tenant, org *entity.Org, key connKey, call *initCall, forceSync bool) (*Database, error) {
	db, handle, err := cm.initialize(ctx, t, org, forceSync)

	cm.mu.Lock()
	if err != nil {
		// Failed init removes the placeholder so the next call retries.
		if entry, ok := cm.entries[key]; ok && entry.init == call {
			delete(cm.entries, key)
		}
		metrics.SetConnectionCacheSize(len(cm.entries))
		metrics.RecordConnectionInit("error")
	} else {
		if entry, ok := cm.entries[key]; ok && entry.init == call {
			entry.init = nil
			entry.database = db
			entry.handle = handle
			entry.lastUsed = time.Now()
		}
		metrics.RecordConnectionInit("success")
	}
	cm.mu.Unlock()

	call.database = db
	call.err = err
	close(call.done)

	return db, err
}

// initialize resolves config, decrypts the password, and builds the
// schema-bound handle plus its DAO layer.
func (cm *ConnectionManager) initialize(ctx context.Context, t *entity.Tenant, org *entity.Org, forceSync bool) (*Database, interface{ Close() error }, error) {
	cfg, err := cm.registry.GetTenantDatabaseConfig(ctx, t.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load database config for tenant %s: %w", t.Slug, err)
	}
	if cfg == nil {
		return nil, nil, fmt.Errorf("tenant %s: %w", t.Slug, errors.ErrNoDatabaseConfig)
	}

	password, err := cm.decrypt(cfg.PasswordEncrypted)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt database password for tenant %s: %w", t.Slug, err)
	}

	handle, err := cm.newHandle(*cfg, password, org.SchemaName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create handle for %s/%s: %w", t.Slug, org.Slug, err)
	}

	meta := DatabaseMeta{SchemaName: org.SchemaName, TenantSlug: t.Slug, OrgSlug: org.Slug}
	db, err := cm.newDatabase(ctx, handle, meta, SyncOptions{ForceSync: forceSync})
	if err != nil {
		if closeErr := handle.Close(); closeErr != nil {
			logger.Logger.Warn().Err(closeErr).
				Str("tenant", t.Slug).Str("org", org.Slug).
				Msg("failed to close handle after init failure")
		}
		return nil, nil, err
	}

	return db, handle, nil
}

// touch refreshes last_used for a ready entry
func (cm *ConnectionManager) touch(key connKey) {
	cm.mu.Lock()
	if entry, ok := cm.entries[key]; ok && entry.init == nil {
		entry.lastUsed = time.Now()
	}
	cm.mu.Unlock()
}

// evictLRUVictimLocked removes the least-recently-used ready entry when
// the cache is at capacity. In-flight entries are never LRU victims.
// Caller holds cm.mu.
func (cm *ConnectionManager) evictLRUVictimLocked() {
	if len(cm.entries) < cm.maxConnections {
		return
	}

	var victimKey connKey
	var victim *cacheEntry
	for key, entry := range cm.entries {
		if entry.init != nil {
			continue
		}
		if victim == nil || entry.lastUsed.Before(victim.lastUsed) {
			victimKey = key
			victim = entry
		}
	}
	if victim == nil {
		return
	}

	delete(cm.entries, victimKey)
	metrics.RecordConnectionEviction("lru")
	cm.closeEntryAsync(victim)
}

// closeEntryAsync closes a ready entry's handle in the background;
// close errors are logged and swallowed.
func (cm *ConnectionManager) closeEntryAsync(entry *cacheEntry) {
	go func() {
		if err := closeEntry(entry); err != nil {
			logger.Logger.Warn().Err(err).
				Str("tenant", entry.tenantSlug).Str("org", entry.orgSlug).
				Msg("failed to close evicted connection")
		}
	}()
}

func closeEntry(entry *cacheEntry) error {
	if entry.database != nil {
		return entry.database.Close()
	}
	if entry.handle != nil {
		return entry.handle.Close()
	}
	return nil
}

// evict removes the entry for key, waiting out any in-flight init before
// closing the resulting handle.
func (cm *ConnectionManager) evict(ctx context.Context, key connKey, reason string) {
	cm.mu.Lock()
	entry, ok := cm.entries[key]
	if !ok {
		cm.mu.Unlock()
		return
	}

	if entry.init != nil {
		call := entry.init
		cm.mu.Unlock()

		select {
		case <-call.done:
		case <-ctx.Done():
			return
		}

		cm.mu.Lock()
		entry, ok = cm.entries[key]
		if !ok {
			cm.mu.Unlock()
			return
		}
	}

	delete(cm.entries, key)
	metrics.SetConnectionCacheSize(len(cm.entries))
	metrics.RecordConnectionEviction(reason)
	cm.mu.Unlock()

	cm.closeEntryAsync(entry)
}

// EvictConnection removes the cached handle for (tenantID, orgID); if an
// init is in flight it is awaited and its result closed.
func (cm *ConnectionManager) EvictConnection(ctx context.Context, tenantID, orgID uuid.UUID) {
	cm.evict(ctx, connKey{TenantID: tenantID, OrgID: orgID}, "explicit")
}

// EvictExpired removes entries whose last_used is older than the TTL.
// In-flight entries are never evicted by TTL, regardless of how long the
// init has been pending.
func (cm *ConnectionManager) EvictExpired() int {
	cutoff := time.Now().Add(-cm.ttl)

	cm.mu.Lock()
	var expired []*cacheEntry
	for key, entry := range cm.entries {
		if entry.init != nil {
			continue
		}
		if entry.lastUsed.Before(cutoff) {
			delete(cm.entries, key)
			expired = append(expired, entry)
			metrics.RecordConnectionEviction("ttl")
		}
	}
	metrics.SetConnectionCacheSize(len(cm.entries))
	cm.mu.Unlock()

	for _, entry := range expired {
		cm.closeEntryAsync(entry)
	}
	return len(expired)
}

// CloseAll closes every cached handle, awaiting in-flight inits first.
// Per-entry close errors are tolerated.
func (cm *ConnectionManager) CloseAll(ctx context.Context) {
	cm.mu.Lock()
	snapshot := make(map[connKey]*cacheEntry, len(cm.entries))
	for key, entry := range cm.entries {
		snapshot[key] = entry
	}
	cm.entries = make(map[connKey]*cacheEntry)
	metrics.SetConnectionCacheSize(0)
	cm.mu.Unlock()

	for _, entry := range snapshot {
		if entry.init != nil {
			select {
			case <-entry.init.done:
			case <-ctx.Done():
			}
			// The entry left the map before the init published into it;
			// the promise holds the only reference to the handle.
			if entry.database == nil {
				entry.database = entry.init.database
			}
		}
		if err := closeEntry(entry); err != nil {
			logger.Logger.Warn().Err(err).
				Str("tenant", entry.tenantSlug).Str("org", entry.orgSlug).
				Msg("failed to close connection during shutdown")
		}
	}
}

// CacheSize returns the number of cached entries, pending included
func (cm *ConnectionManager) CacheSize() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.entries)
}
