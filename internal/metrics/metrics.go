// Package metrics provides Prometheus instrumentation for the settlement core.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WagersPlaced counts accepted placements by kind (directional, hourly, allocation).
	WagersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meteo_wagers_placed_total",
		Help: "Total number of wagers and allocations placed",
	}, []string{"kind"})

	// Rejections counts refused operations by rejection code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meteo_rejections_total",
		Help: "Operations refused with a structured rejection",
	}, []string{"code"})

	// Resolutions counts settlement outcomes by resolver and result
	// (resolved, deferred, abandoned, failed).
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meteo_resolutions_total",
		Help: "Settlement outcomes by resolver and result",
	}, []string{"resolver", "result"})

	// JobDuration tracks scheduled job run time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meteo_job_duration_seconds",
		Help:    "Scheduled job run time in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	// BoltsSpent counts successful boost purchases.
	BoltsSpent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meteo_bolts_spent_total",
		Help: "Bolts consumed by boost purchases",
	})

	// TradesTotal counts listing lifecycle events by action (listed, cancelled, sold).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meteo_trades_total",
		Help: "Listing lifecycle events",
	}, []string{"action"})

	// LedgerDivergences counts users whose stored balance drifted from the derived ledger.
	LedgerDivergences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meteo_ledger_divergences_total",
		Help: "Users found diverged by the ledger audit",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meteo_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meteo_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meteo_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern uses the matched chi pattern to keep the path label bounded.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
