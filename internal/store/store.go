package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"fleetplan/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist or is soft-deleted.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would break a uniqueness rule on
	// route stops: one live position per sequence and one live stop per task.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence interface used by the route planner. Soft-deleted
// rows are invisible to every read.
type Store interface {
	// Offices
	GetOfficeByID(ctx context.Context, id int64) (model.Office, error)
	GetOfficeByPublicID(ctx context.Context, id uuid.UUID) (model.Office, error)

	// Vehicles, ordered by id
	GetVehicleByID(ctx context.Context, id int64) (model.Vehicle, error)
	ListActiveVehicles(ctx context.Context, office model.Office) ([]model.Vehicle, error)

	// Tasks that are pending or scheduled and not on an active route,
	// ordered by creation time.
	ListEligibleTasks(ctx context.Context, office model.Office) ([]model.Task, error)

	// Routes
	GetRouteByPublicID(ctx context.Context, id uuid.UUID) (model.Route, error)
	ListRouteStops(ctx context.Context, routeID int64) ([]model.StopDetail, error)
	ListRoutes(ctx context.Context, officeID int64, serviceDate time.Time) ([]model.RouteSummary, error)

	// InTx runs fn in a transaction. Any error from fn rolls back every
	// write made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Import(ctx context.Context, seed Seed) error
	Ping(ctx context.Context) error
}

// Tx is the write side of a planning transaction.
type Tx interface {
	// Lock serialises transactions on key until commit or rollback.
	Lock(ctx context.Context, key string) error

	ListRoutes(ctx context.Context, officeID int64, serviceDate time.Time) ([]model.RouteSummary, error)
	ListRouteStops(ctx context.Context, routeID int64) ([]model.StopDetail, error)
	ListEligibleTasks(ctx context.Context, office model.Office) ([]model.Task, error)

	CreateRoute(ctx context.Context, r model.Route) (model.Route, error)
	// CreateRouteStop fails with ErrConflict when the task already has a live
	// stop on any live route.
	CreateRouteStop(ctx context.Context, s model.RouteStop) (model.RouteStop, error)
	UpdateRouteTotals(ctx context.Context, routeID int64, totals model.RouteTotals, at time.Time) error
	SoftDeleteRouteStop(ctx context.Context, stopID int64, at time.Time) error
	// DetachDeletedTasks soft-deletes the live stops of a route whose task is
	// soft-deleted, freeing their positions.
	DetachDeletedTasks(ctx context.Context, routeID int64, at time.Time) error

	// WriteSequences sets the position of each listed stop of a route.
	WriteSequences(ctx context.Context, routeID int64, positions map[int64]int) error
}
