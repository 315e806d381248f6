/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the rider app

ROUTE GROUPS:
  /api/riders/*     Riders, wallet, booking lists
  /api/shuttles/*   Fare quotes
  /api/bookings/*   Confirm, read, cancel
  /api/admin/*      Wallet audit
  /healthz          Liveness + store reachability

SECURITY NOTE:
  No authentication middleware. Rider identity (X-Rider-ID) is expected to
  be set by an authenticating gateway in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", riderHeader, idempotencyHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Rider routes
		r.Route("/riders", func(r chi.Router) {
			r.Get("/", h.ListRiders)
			r.Post("/", h.RegisterRider)
			r.Get("/{id}", h.GetRider)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/reconcile", h.ReconcileWallet)
			r.Post("/{id}/recharge", h.RechargeWallet)
			r.Get("/{id}/bookings", h.ListBookings)
		})

		// Shuttle routes
		r.Route("/shuttles", func(r chi.Router) {
			r.Get("/{id}/quote", h.QuoteFare)
		})

		// Booking routes
		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.ConfirmBooking)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/audit", h.TriggerAudit)
		})
	})

	return r
}
