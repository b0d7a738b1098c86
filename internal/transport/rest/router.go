package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/fromafrica/escrow-service/internal/auth"
	"github.com/fromafrica/escrow-service/internal/escrow"
	"github.com/fromafrica/escrow-service/internal/transport/middleware"
	"github.com/fromafrica/escrow-service/internal/transport/swagger"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, authHandler *auth.Handler, escrowHandler *escrow.Handler, webhookHandler *escrow.WebhookHandler, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	// Apply global middleware
	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	// Serve OpenAPI spec at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	// Swagger UI route at root
	router.Handle("/swagger/*", swagger.Handler())

	// Provider notification channels live outside the API prefix: they are
	// authenticated by HMAC signature, not by bearer token.
	if webhookHandler != nil {
		router.Post("/webhooks/paystack", webhookHandler.PaystackWebhook)
		router.Post("/webhooks/flutterwave", webhookHandler.FlutterwaveWebhook)
		router.Post("/webhooks/mock", webhookHandler.MockWebhook)
		router.Get("/payments/callback", webhookHandler.PaymentCallback)
	}

	// Mount API under /api/v1 to match OpenAPI basePath
	router.Route("/api/v1", func(r chi.Router) {
		// Health check route
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// Auth routes
		if authHandler != nil {
			r.Route("/auth", func(sr chi.Router) {
				sr.Post("/login", authHandler.Login)
				sr.Post("/refresh", authHandler.RefreshToken)
				sr.Post("/logout", authHandler.Logout)
			})
		}

		if authHandler != nil && escrowHandler != nil {
			// Protected routes that require authentication
			r.Group(func(pr chi.Router) {
				pr.Use(authHandler.AuthMiddleware)

				pr.Route("/escrows", func(er chi.Router) {
					er.Post("/", escrowHandler.CreateEscrow)
					er.Get("/", escrowHandler.GetUserEscrows)
					er.Get("/{id}", escrowHandler.GetEscrow)

					er.Post("/{id}/payment", escrowHandler.InitializePayment)
					er.Post("/{id}/verify", escrowHandler.VerifyPayment)
					er.Post("/{id}/release", escrowHandler.ReleaseEscrow)
					er.Post("/{id}/dispute", escrowHandler.DisputeEscrow)

					// Admin-only lifecycle operations
					er.Group(func(ar chi.Router) {
						ar.Use(authHandler.RequireAdmin)
						ar.Post("/{id}/refund", escrowHandler.RefundEscrow)
						ar.Post("/{id}/admin-intervention", escrowHandler.AdminIntervention)
					})
				})

				pr.Group(func(ar chi.Router) {
					ar.Use(authHandler.RequireAdmin)
					ar.Get("/admin/escrows", escrowHandler.GetAllEscrows)
				})
			})
		}
	})
}
