package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Sync engine metrics.
var (
	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_sync_runs_total",
			Help: "Finished sync runs by status.",
		},
		[]string{"status"},
	)

	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rostersync_sync_duration_seconds",
			Help:    "Wall time of sync runs.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	SyncChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_sync_changes_total",
			Help: "Reconciliation changes applied, by counter.",
		},
		[]string{"counter"},
	)

	SyncFailedGroups = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rostersync_sync_failed_group_fetches_total",
		Help: "Per-group people fetches that failed and were skipped.",
	})

	ExternalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_external_requests_total",
			Help: "Requests sent to the roster provider by outcome.",
		},
		[]string{"outcome"},
	)

	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_token_refreshes_total",
			Help: "OAuth token refresh attempts by result.",
		},
		[]string{"result"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rostersync_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"name"},
	)

	Jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_jobs_total",
			Help: "Queue job transitions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	JobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rostersync_jobs_running",
		Help: "Jobs currently executing.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			SyncRuns, SyncDuration, SyncChanges, SyncFailedGroups,
			ExternalRequests, TokenRefreshes, BreakerState,
			Jobs, JobsRunning,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath replaces resource ids with :id so label cardinality stays flat.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && (parts[1] == "integrations" || parts[1] == "mappings") {
		parts[2] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
