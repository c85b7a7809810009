/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the check-in web client

ROUTE GROUPS:
  /api/users/{id}/*     Attendance operations for one user
  /api/employees/*      Employee directory
  /api/facilities       Facility directory
  /api/verdict          Stateless proximity preview
  /api/approvals/*      Off-premises approval queue
  /api/policy           Active policy
  /api/admin/*          Admin operations
  /api/health           Liveness and store health

SECURITY NOTE:
  No authentication middleware. The {id} in the path is trusted; deploy
  behind a gateway that maps the caller to their user ID.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/attendanced/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured. Without
// origins the local development origins are allowed.
func NewRouter(h *Handler, origins ...string) *chi.Mux {
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{id}", func(r chi.Router) {
			r.Post("/check-in", h.CheckIn)
			r.Post("/check-out", h.CheckOut)
			r.Post("/reason", h.SubmitReason)
			r.Delete("/reason", h.CancelReason)
			r.Post("/off-premises", h.RequestOffPremises)
			r.Post("/retry", h.RetryCommit)
			r.Get("/state", h.GetState)
			r.Get("/verdict", h.GetVerdict)
			r.Get("/history", h.GetHistory)
		})

		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.Post("/", h.CreateEmployee)
			r.Get("/{id}", h.GetEmployee)
		})

		r.Route("/facilities", func(r chi.Router) {
			r.Get("/", h.ListFacilities)
			r.Post("/", h.SaveFacility)
		})
		r.Post("/verdict", h.PreviewVerdict)

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/pending", h.ListPendingApprovals)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
		})

		r.Get("/policy", h.GetPolicy)
		r.Post("/admin/rollover", h.TriggerRollover)
		r.Get("/health", h.Health)
	})

	return r
}
