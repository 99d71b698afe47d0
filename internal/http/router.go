package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/desimealsnow/potluck-admission/internal/idempotency"
	"github.com/desimealsnow/potluck-admission/internal/observability"
	"github.com/desimealsnow/potluck-admission/internal/rateLimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(RateLimitMiddleware(rl))
	r.Use(IdempotencyMiddleware(idemp))

	r.Post("/v1/events/{eventID}/requests", h.CreateRequest)
	r.Get("/v1/events/{eventID}/requests", h.ListRequests)
	r.Get("/v1/events/{eventID}/availability", h.Availability)
	r.Patch("/v1/requests/{id}/approve", h.ApproveRequest)
	r.Patch("/v1/requests/{id}/decline", h.DeclineRequest)
	r.Patch("/v1/requests/{id}/waitlist", h.WaitlistRequest)
	r.Patch("/v1/requests/{id}/cancel", h.CancelRequest)
	r.Patch("/v1/requests/{id}/extend", h.ExtendHold)
	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
