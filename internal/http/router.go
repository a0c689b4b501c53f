package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertarktes/event-bookings/internal/observability"
	"github.com/robertarktes/event-bookings/internal/rateLimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, jwtSecret string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)

	// Signature-authenticated and unauthenticated surface.
	r.Post("/v1/webhooks/payments", h.PaymentWebhook)
	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Token-authenticated surface.
	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(jwtSecret))
		r.Use(RateLimitMiddleware(rl))
		r.Use(IdempotencyMiddleware)

		r.Post("/v1/bookings", h.CreateBooking)
		r.Get("/v1/bookings/{id}", h.GetBooking)
		r.Post("/v1/bookings/{id}/cancel", h.CancelBooking)
		r.Post("/v1/bookings/{id}/approve", h.ApproveBooking)
		r.Post("/v1/bookings/{id}/reject", h.RejectBooking)
		r.Post("/v1/bookings/{id}/checkin", h.CheckInBooking)
		r.Post("/v1/payments", h.CreatePayment)
		r.Post("/v1/payments/confirm", h.ConfirmPayment)
		r.Post("/v1/payments/{id}/refund", h.RefundPayment)
	})

	return r
}
