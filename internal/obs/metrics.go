package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

	ledgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger mutations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	importedTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_imported_transactions_total",
			Help: "Bulk-imported transactions partitioned by result.",
		},
		[]string{"result"}, // created | duplicate | failed
	)
)

// Init registers metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		ledgerOpsTotal,
		importedTransactionsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountLedgerOp records one ledger mutation outcome.
func CountLedgerOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ledgerOpsTotal.WithLabelValues(op, outcome).Inc()
}

// CountImported records bulk-import partitions after a batch.
func CountImported(created, duplicate, failed int) {
	importedTransactionsTotal.WithLabelValues("created").Add(float64(created))
	importedTransactionsTotal.WithLabelValues("duplicate").Add(float64(duplicate))
	importedTransactionsTotal.WithLabelValues("failed").Add(float64(failed))
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
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

// CanonicalPath collapses identifiers in budget-scoped paths so metric label
// cardinality stays bounded. Unrecognized paths pass through unchanged.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "budgets" {
		return path
	}
	parts[2] = ":budget"
	// /v1/budgets/:budget/<resource>/<id>[/<action>]
	if len(parts) >= 5 && !isResourceAction(parts[4]) {
		parts[4] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

func isResourceAction(s string) bool {
	switch s {
	case "search", "import", "merge", "unused", "matches", "archive", "unallocated":
		return true
	}
	return false
}

// statusWriter captures the response code for metrics labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
