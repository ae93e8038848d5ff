/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for storefront/admin frontends

ROUTE GROUPS:
  /api/instruments/*   Instrument lifecycle, ledger, verification
  /api/redemptions     Checkout redemption
  /api/giftcards/*     Code lookup
  /api/admin/*         Sweep trigger
  /metrics             Prometheus

SECURITY NOTE:
  No authentication middleware. Auth/session handling is an external
  collaborator in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/instruments", func(r chi.Router) {
			r.Post("/", h.CreateInstrument)
			r.Get("/{id}", h.GetInstrument)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Get("/{id}/verify", h.Verify)
			r.Post("/{id}/refund", h.Refund)
			r.Post("/{id}/adjustments", h.Adjust)
			r.Post("/{id}/status", h.SetStatus)
			r.Post("/{id}/delivered", h.MarkDelivered)
		})

		r.Post("/redemptions", h.Redeem)

		r.Route("/giftcards", func(r chi.Router) {
			r.Get("/{code}", h.GetByCode)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
