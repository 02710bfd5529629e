package database

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultHealthCheckTimeout bounds each per-entry probe
const DefaultHealthCheckTimeout = 5 * time.Second

// ConnectionHealth is one entry's probe result
type ConnectionHealth struct {
	TenantSlug   string        `json:"tenant_slug"`
	OrgSlug      string        `json:"org_slug"`
	SchemaName   string        `json:"schema_name"`
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

// HealthReport aggregates the probe results for every cached handle
type HealthReport struct {
	Healthy     bool               `json:"healthy"`
	CheckedAt   time.Time          `json:"checked_at"`
	Connections []ConnectionHealth `json:"connections"`
}

// CheckAllConnectionsHealth probes every non-initializing cached handle in
// parallel, each bounded by timeout. A probe that exceeds the bound
// reports unhealthy without failing its peers.
func (cm *ConnectionManager) CheckAllConnectionsHealth(ctx context.Context, timeout time.Duration) *HealthReport {
	if timeout <= 0 {
		timeout = DefaultHealthCheckTimeout
	}

	cm.mu.Lock()
	targets := make([]*cacheEntry, 0, len(cm.entries))
	for _, entry := range cm.entries {
		if entry.init != nil {
			continue
		}
		targets = append(targets, entry)
	}
	cm.mu.Unlock()

	report := &HealthReport{
		Healthy:     true,
		CheckedAt:   time.Now(),
		Connections: make([]ConnectionHealth, len(targets)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range targets {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			start := time.Now()
			err := entry.database.Ping(probeCtx)
			elapsed := time.Since(start)

			health := ConnectionHealth{
				TenantSlug:   entry.tenantSlug,
				OrgSlug:      entry.orgSlug,
				SchemaName:   entry.schemaName,
				Healthy:      err == nil,
				ResponseTime: elapsed,
			}
			if err != nil {
				health.Error = err.Error()
			}
			report.Connections[i] = health
			return nil // probe failures never fail peers
		})
	}
	_ = g.Wait()

	for _, health := range report.Connections {
		if !health.Healthy {
			report.Healthy = false
			break
		}
	}
	return report
}
