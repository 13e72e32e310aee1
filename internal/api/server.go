// Package api exposes the route planner over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"fleetplan/internal/events"
	"fleetplan/internal/metrics"
	"fleetplan/internal/model"
	"fleetplan/internal/planner"
)

// Planner is the part of planner.Service the handlers call.
type Planner interface {
	Generate(ctx context.Context, officeID uuid.UUID, serviceDate time.Time) (planner.GenerateResult, error)
	Planning(ctx context.Context, officeID uuid.UUID, serviceDate time.Time) ([]model.RouteSummary, error)
	Detail(ctx context.Context, routeID uuid.UUID) (model.RouteDetail, error)
	Reorder(ctx context.Context, routeID uuid.UUID, ordered []uuid.UUID) (model.RouteDetail, error)
	Recalculate(ctx context.Context, routeID uuid.UUID) (model.RouteDetail, error)
	RemoveStop(ctx context.Context, routeID, taskID uuid.UUID) (model.RouteDetail, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Planner Planner
	Store   Pinger
	Broker  events.Broker
	Log     *slog.Logger
	// Limiter throttles mutating planning calls; nil disables it.
	Limiter *rate.Limiter
	// Config is echoed by /debug/buildinfo. Secrets must not be put here.
	Config map[string]any
}

// NewLimiter returns nil when rps is not positive.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Router wires every endpoint with the standard middleware chain.
func (s *Server) Router() http.Handler {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	metrics.RegisterDefault()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(NewSlogLogger(s.Log))
	r.Use(instrument)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/readyz", s.ready)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/debug/buildinfo", s.buildInfo)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/offices/{officeID}/routes", s.listRoutes)
		r.Get("/routes/{routeID}", s.routeDetail)
		r.Get("/routes/{routeID}/events", s.routeEvents)

		r.Group(func(r chi.Router) {
			r.Use(rateLimit(s.Limiter))
			r.Post("/offices/{officeID}/routes/generate", s.generate)
			r.Post("/routes/{routeID}/recalculate", s.recalculate)
			r.Patch("/routes/{routeID}/stops/order", s.reorder)
			r.Delete("/routes/{routeID}/stops/{taskID}", s.removeStop)
		})
	})
	return r
}
