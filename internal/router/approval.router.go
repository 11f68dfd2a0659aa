package router

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"approval-service/internal/handler"
	"approval-service/pkg/response"

	"net/http"
)

// SetupRoutes configures the HTTP routes for the approval service
func SetupRoutes(r chi.Router, h *handler.ApprovalHandler) chi.Router {
	// ---- Global Middleware ----
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
		},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// the human-facing link from the email
	r.Get("/approve-gift", h.HandleApprovalLink)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/executions", h.IngestExecution)
		r.Get("/executions/{executionID}", h.GetExecution)

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/{executionID}/token", h.IssueToken)
			r.Post("/{executionID}/resend", h.Resend)
			r.Get("/{executionID}/status", h.ApprovalStatus)
			r.Delete("/tokens/{tokenID}", h.RevokeToken)

			r.Post("/decision", h.ApplyDecision)
			r.Post("/events", h.RecordProviderEvent)
			r.Get("/analytics", h.Analytics)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
