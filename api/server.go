/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logging:    One zap line per request, tagged with the request ID
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/shops/*          Shop registry, per-shop ledger
  /api/invoices/*       Generation, detail, payments, fines
  /api/corrections      Payment corrections
  /api/audit            Audit trail
  /api/admin/*          Batch jobs and scheduler
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/logging"
)

// DefaultAllowedOrigins are the dev frontend origins.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(opts.Logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Shop routes
		r.Route("/shops", func(r chi.Router) {
			r.Get("/", h.ListShops)
			r.Post("/", h.UpsertShop)
			r.Get("/{id}", h.GetShop)
			r.Delete("/{id}", h.DeleteShop)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/dues", h.GetDues)
			r.Get("/{id}/invoices", h.ListShopInvoices)
			r.Post("/{id}/invoices", h.GenerateInvoice)
			r.Get("/{id}/payments", h.ListShopPayments)
			r.Post("/{id}/payments", h.PayShop)
		})

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Post("/generate", h.GenerateAllInvoices)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/payments", h.PayInvoice)
			r.Post("/{id}/fine", h.ApplyFine)
			r.Delete("/{id}/fine", h.DeleteFine)
			r.Post("/{id}/print", h.RecordPrint)
		})

		r.Post("/corrections", h.CorrectPayment)
		r.Get("/audit", h.QueryAudit)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/arrest", h.RunArrest)
			r.Post("/fine-arrest", h.RunFineArrest)
			r.Post("/fine-sweep", h.RunFineSweep)
			r.Get("/scheduler", h.SchedulerStatus)
			r.Post("/scheduler/run", h.RunScheduler)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
