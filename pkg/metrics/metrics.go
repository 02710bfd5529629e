package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code", "tenant"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9, 20, 30, 60},
		},
		[]string{"method", "endpoint", "status_code"},
	)

	// Connection cache metrics
	connectionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenant_connection_cache_size",
			Help: "Number of cached per-org database handles",
		},
	)

	connectionInitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_connection_inits_total",
			Help: "Total connection create pipelines by outcome",
		},
		[]string{"status"},
	)

	connectionEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_connection_evictions_total",
			Help: "Total cache evictions by reason",
		},
		[]string{"reason"},
	)

	// Migration metrics
	schemaMigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_schema_migrations_total",
			Help: "Total per-org schema migration attempts by outcome",
		},
		[]string{"status"},
	)
)

// SetConnectionCacheSize records the current cache size
func SetConnectionCacheSize(n int) {
	connectionCacheSize.Set(float64(n))
}

// RecordConnectionInit records the outcome of a create pipeline
func RecordConnectionInit(status string) {
	connectionInitsTotal.WithLabelValues(status).Inc()
}

// RecordConnectionEviction records an eviction with its reason
// ("lru", "ttl", "force_sync", "explicit")
func RecordConnectionEviction(reason string) {
	connectionEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordSchemaMigration records a per-org migration outcome
func RecordSchemaMigration(status string) {
	schemaMigrationsTotal.WithLabelValues(status).Inc()
}

// GinMiddleware records HTTP request metrics for every handled request
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		tenantSlug := c.GetString("tenant_slug")
		if tenantSlug == "" {
			tenantSlug = "none"
		}

		httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, status, tenantSlug).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, endpoint, status).
			Observe(time.Since(start).Seconds())
	}
}
