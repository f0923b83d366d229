package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/binary-market/internal/metrics"
)

// RouterOptions configures NewRouter. Nil Hub disables /api/v1/ws; nil
// Limiter disables rate limiting.
type RouterOptions struct {
	Hub            *WSHub
	Limiter        *CallerLimiter
	RequestTimeout time.Duration
	CORSOrigins    []string
	RequestLogging bool
}

// NewRouter builds the full HTTP handler tree.
func NewRouter(svc *Service, opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	if opts.RequestLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(opts.CORSOrigins))
	r.Use(WithCaller)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"binary-market"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of committed market events. Long-lived, so it
		// sits outside the request timeout.
		if opts.Hub != nil {
			r.Get("/ws", opts.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			if opts.RequestTimeout > 0 {
				r.Use(middleware.Timeout(opts.RequestTimeout))
			}

			// Queries.
			r.Get("/users", svc.ListUsers)
			r.Get("/users/{userID}", svc.GetUser)
			r.Get("/markets", svc.ListMarkets)
			r.Get("/markets/{marketID}", svc.GetMarket)
			r.Get("/markets/{marketID}/price", svc.GetPrice)

			// Generic operation entry point; checks the caller per op.
			r.With(limit(opts.Limiter)).Post("/ops/{op}", svc.Dispatch)

			// Mutations need a caller.
			r.Group(func(r chi.Router) {
				r.Use(RequireCaller)
				r.Use(limit(opts.Limiter))

				r.Post("/users", svc.Register)
				r.Post("/deposit", svc.Deposit)
				r.Post("/markets", svc.CreateMarket)
				r.Post("/markets/{marketID}/bets", svc.PlaceBet)
				r.Post("/markets/{marketID}/resolve", svc.ResolveMarket)
			})
		})
	})

	return r
}

func limit(l *CallerLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware
}
