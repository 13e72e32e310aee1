package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// PlanningOperations counts planner calls by operation and outcome
	// (ok, not_found, precondition, infeasible, transaction, error).
	PlanningOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "planning_operations_total", Help: "Route planning operations by outcome."},
		[]string{"op", "outcome"},
	)
	// SolverDuration tracks wall time spent inside a routing engine
	SolverDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "solver_duration_seconds", Help: "Routing engine solve time in seconds.", Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10}},
		[]string{"engine"},
	)
	// SolverIterations tracks local search rounds per solve
	SolverIterations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "solver_iterations", Help: "Search rounds per solve.", Buckets: prometheus.ExponentialBuckets(1, 4, 8)},
		[]string{"engine"},
	)
	// RoutesGenerated counts routes created by planning runs
	RoutesGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "routes_generated_total", Help: "Routes created by generate."},
	)
	// EventsPublished counts route events handed to the broker
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_events_published_total", Help: "Route events published by type."},
		[]string{"type"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(PlanningOperations)
		Registry.MustRegister(SolverDuration)
		Registry.MustRegister(SolverIterations)
		Registry.MustRegister(RoutesGenerated)
		Registry.MustRegister(EventsPublished)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
