// Package metrics exposes the HTTP and database-pool instrumentation for
// the panel. Domain counters live next to the services that own them; this
// package only covers the shared transport and storage concerns.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vidgrow",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vidgrow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidgrow", Name: "http_requests_in_flight",
		Help: "HTTP requests currently being served.",
	})

	dbPoolGauges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vidgrow", Name: "db_pool_connections",
			Help: "Database pool connections by state (open/idle/in_use).",
		},
		[]string{"state"},
	)

	dbWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidgrow", Name: "db_wait_count_total",
		Help: "Total connection acquisitions that had to wait.",
	})

	dbWaitSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidgrow", Name: "db_wait_duration_seconds_total",
		Help: "Total time spent waiting for a pool connection.",
	})

	goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vidgrow", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequests,
		httpDuration,
		httpInFlight,
		dbPoolGauges,
		dbWaitCount,
		dbWaitSeconds,
		goroutines,
	)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count every
// interval until ctx is canceled. Run it in its own goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			dbPoolGauges.WithLabelValues("open").Set(float64(stats.OpenConnections))
			dbPoolGauges.WithLabelValues("idle").Set(float64(stats.Idle))
			dbPoolGauges.WithLabelValues("in_use").Set(float64(stats.InUse))
			dbWaitCount.Set(float64(stats.WaitCount))
			dbWaitSeconds.Set(stats.WaitDuration.Seconds())
			goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records per-request metrics. Routes are labeled by gin's route
// pattern, never the raw path, to keep label cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		httpInFlight.Inc()
		start := time.Now()

		c.Next()

		httpInFlight.Dec()
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler adapts the promhttp scrape handler to gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusClass collapses a status code to its class ("2xx", "4xx", ...).
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
