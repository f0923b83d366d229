// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// BetsTotal counts accepted bets, partitioned by side.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "binmkt_bets_total",
		Help: "Total number of bets accepted",
	}, []string{"side"})

	// BetLatency tracks bet execution latency, including the store transaction.
	BetLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "binmkt_bet_latency_seconds",
		Help:    "Bet execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// BetVolume tracks cumulative shares bought per side.
	BetVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "binmkt_bet_volume_shares_total",
		Help: "Cumulative shares bought",
	}, []string{"side"})

	// Rejections counts operations rejected with a domain error, by op and code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "binmkt_rejections_total",
		Help: "Operations rejected with a domain error",
	}, []string{"op", "code"})

	// ResolutionsTotal counts resolved markets by outcome.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "binmkt_resolutions_total",
		Help: "Markets resolved, by outcome",
	}, []string{"outcome"})

	// PayoutsTotal tracks currency units credited to winners.
	PayoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "binmkt_payouts_units_total",
		Help: "Currency units paid out to winning bettors",
	})

	// OpenMarkets tracks the number of open markets.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "binmkt_open_markets",
		Help: "Number of currently open markets",
	})

	// RegisteredUsers counts successful registrations.
	RegisteredUsers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "binmkt_registrations_total",
		Help: "Users registered",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "binmkt_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests refused by the per-caller limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "binmkt_rate_limited_total",
		Help: "Requests refused by the per-caller rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "binmkt_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "binmkt_http_request_duration_seconds",
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

		// Route pattern, not raw path, keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes connection takeover through for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
