// Package metrics provides Prometheus instrumentation for the odds desk.
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
	// QuotesIngested counts accepted quotes by source.
	QuotesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "desk_quotes_ingested_total",
		Help: "Total quotes accepted into the odds book",
	}, []string{"source"})

	// QuotesPurged counts quotes removed when a source disconnects.
	QuotesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "desk_quotes_purged_total",
		Help: "Quotes removed by source purges",
	})

	// QuoteGroups tracks the number of (number, play type) groups held.
	QuoteGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "desk_quote_groups",
		Help: "Number of quote groups in the odds book",
	})

	// Allocations counts allocation calls by mode.
	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "desk_allocations_total",
		Help: "Allocation calls by mode",
	}, []string{"mode"})

	// AllocatedAmount accumulates assigned stake by mode.
	AllocatedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "desk_allocated_amount_total",
		Help: "Cumulative stake assigned to accounts",
	}, []string{"mode"})

	// UnassignedAmount accumulates demand no account could take.
	UnassignedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "desk_unassigned_amount_total",
		Help: "Cumulative demand left unassigned",
	}, []string{"mode"})

	// AllocationLatency tracks allocation duration by mode.
	AllocationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "desk_allocation_latency_seconds",
		Help:    "Allocation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	// PackageGroups counts emitted package groups by tier name.
	PackageGroups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "desk_package_groups_total",
		Help: "Package groups emitted by the packer",
	}, []string{"tier"})

	// HedgeRuns counts hedge analyses by strategy.
	HedgeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "desk_hedge_runs_total",
		Help: "Hedge analyses by strategy",
	}, []string{"strategy"})

	// LedgerEntries counts settlement records by direction.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "desk_ledger_entries_total",
		Help: "Settlement records appended",
	}, []string{"direction"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "desk_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "desk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "desk_http_request_duration_seconds",
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

		// Label by route pattern, not raw path, to keep cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
