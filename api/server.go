/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through logrus (see logging.go)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the billing UI

ROUTE GROUPS:
  /api/invoices/*       Invoice mutations
  /api/line-items/*     Adjustments
  /api/change-log/*     Audit trail queries
  /api/audit/*          Outbox operations
  /api/metrics/*        Aggregates for dashboards
  /api/scenarios/*      Demo scenarios
  /api/{collection}/*   Generic reads (campaigns, invoices, line-items,
                        change-log)

  Mutation routes are registered flat, never with Route or Mount: a
  mounted /invoices/{id} subrouter would claim every method and path
  below it, and GET /api/invoices/{id} would never reach {collection}.
  With flat routes chi falls back to {collection} when the static
  branch has no match for the path and method.

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

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
	r.Use(middleware.RequestLogger(&RequestLogFormatter{Logger: h.Logger}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Invoice mutations
		r.Post("/invoices", h.CreateInvoice)
		r.Post("/invoices/{id}/line-items", h.AddLineItems)
		r.Post("/invoices/{id}/line-items/remove", h.RemoveLineItems)
		r.Post("/invoices/{id}/line-items/move", h.MoveLineItems)
		r.Post("/invoices/{id}/recompute", h.RecomputeTotals)
		r.Put("/invoices/{id}/status", h.UpdateStatus)

		// Line item adjustments
		r.Put("/line-items/{id}/adjustments", h.UpdateAdjustment)

		// Audit
		r.Get("/change-log", h.ListChangeLog)
		r.Get("/change-log/count", h.CountChangeLog)
		r.Route("/audit", func(r chi.Router) {
			r.Get("/pending", h.PendingAudit)
			r.Post("/drain", h.DrainAudit)
		})

		// Metrics
		r.Route("/metrics", func(r chi.Router) {
			r.Get("/invoices", h.InvoiceMetrics)
			r.Get("/campaigns/{id}", h.CampaignMetrics)
			r.Get("/adjustments", h.AdjustmentMetrics)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetStore)
		})

		// Generic reads
		r.Route("/{collection}", func(r chi.Router) {
			r.Get("/", h.ListDocuments)
			r.Get("/count", h.CountDocuments)
			r.Post("/batch", h.BatchGetDocuments)
			r.Get("/{id}", h.GetDocument)
		})
	})

	return r
}
