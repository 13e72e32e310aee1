// Package planner assigns an office's open tasks to its vehicles for a service
// day and keeps the resulting routes consistent as they are edited.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleetplan/internal/events"
	"fleetplan/internal/lock"
	"fleetplan/internal/metrics"
	"fleetplan/internal/model"
	"fleetplan/internal/opt"
	"fleetplan/internal/sequence"
	"fleetplan/internal/store"
)

// Publisher receives route events after their transaction has committed.
type Publisher interface {
	Publish(routeID string, evt events.Event)
}

// GenerateResult lists the routes of an office day. Created is false when
// the day had already been planned and nothing was written.
type GenerateResult struct {
	Created bool
	Routes  []model.RouteSummary
}

type Service struct {
	store     store.Store
	solver    opt.Solver
	locks     lock.Locker
	pub       Publisher
	log       *slog.Logger
	now       func() time.Time
	timeLimit time.Duration
}

type Option func(*Service)

// WithLocker replaces the default in-process locker, e.g. with a Redis one
// shared across replicas.
func WithLocker(l lock.Locker) Option { return func(s *Service) { s.locks = l } }

func WithPublisher(p Publisher) Option { return func(s *Service) { s.pub = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithTimeLimit bounds every solver call.
func WithTimeLimit(d time.Duration) Option { return func(s *Service) { s.timeLimit = d } }

func New(st store.Store, solver opt.Solver, opts ...Option) *Service {
	s := &Service{
		store:     st,
		locks:     lock.NewLocal(),
		log:       slog.Default(),
		now:       time.Now,
		timeLimit: opt.DefaultTimeLimit,
	}
	for _, o := range opts {
		o(s)
	}
	s.solver = instrumented{Solver: solver}
	return s
}

// Generate plans every eligible task of the office for serviceDate. When the
// day already has routes they are returned as they are.
func (s *Service) Generate(ctx context.Context, officeID uuid.UUID, serviceDate time.Time) (res GenerateResult, err error) {
	defer s.observe(ctx, "generate")(&err)
	day := model.ServiceDay(serviceDate)

	office, err := s.store.GetOfficeByPublicID(ctx, officeID)
	if err != nil {
		return GenerateResult{}, lookupErr("Generate", "office", officeID, err)
	}
	if office.Location == nil || !office.Location.Valid() {
		return GenerateResult{}, precondition(reasonOfficeLocation)
	}

	key := lock.OfficeKey(office.UUID)
	release, err := s.locks.Acquire(ctx, key)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("planner.Generate: lock: %w", err)
	}
	defer release()

	existing, err := s.store.ListRoutes(ctx, office.ID, day)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("planner.Generate: %w", err)
	}
	if len(existing) > 0 {
		return GenerateResult{Routes: existing}, nil
	}

	vehicles, err := s.store.ListActiveVehicles(ctx, office)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("planner.Generate: %w", err)
	}
	if len(vehicles) == 0 {
		return GenerateResult{}, precondition(reasonNoVehicles)
	}
	tasks, err := s.store.ListEligibleTasks(ctx, office)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("planner.Generate: %w", err)
	}
	if len(tasks) == 0 {
		return GenerateResult{}, precondition(reasonNoTasks)
	}
	var invalid []uuid.UUID
	for _, t := range tasks {
		if !t.Plannable() {
			invalid = append(invalid, t.UUID)
		}
	}
	if len(invalid) > 0 {
		return GenerateResult{}, precondition(reasonInvalidTasks, invalid...)
	}

	points := make([]model.GeoPoint, 0, len(tasks)+1)
	demands := make([]int, 0, len(tasks)+1)
	points = append(points, *office.Location)
	demands = append(demands, 0)
	for _, t := range tasks {
		points = append(points, *t.Location)
		demands = append(demands, t.LoadUnits)
	}
	capacities := make([]int, len(vehicles))
	for i, v := range vehicles {
		capacities[i] = v.MaxCapacity
	}
	sol := s.solver.Solve(opt.Problem{
		Distances:  opt.BuildMatrix(points),
		Demands:    demands,
		Capacities: capacities,
		TimeLimit:  s.timeLimit,
	})
	if sol.Empty() {
		return GenerateResult{}, fmt.Errorf("planner.Generate: %d tasks on %d vehicles: %w", len(tasks), len(vehicles), ErrInfeasible)
	}

	errPlanned := errors.New("already planned")
	var created []model.Route
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.Lock(ctx, key); err != nil {
			return err
		}
		// another replica may have planned the day, or taken tasks for another
		// day, while we were solving
		again, err := tx.ListRoutes(ctx, office.ID, day)
		if err != nil {
			return err
		}
		if len(again) > 0 {
			existing = again
			return errPlanned
		}
		pool, err := tx.ListEligibleTasks(ctx, office)
		if err != nil {
			return err
		}
		if taken := missingTasks(tasks, pool); len(taken) > 0 {
			return &PreconditionError{Reason: reasonTasksTaken, TaskIDs: taken}
		}
		now := s.now()
		for _, plan := range sol.Plans {
			r, err := tx.CreateRoute(ctx, model.Route{
				TenantID:       office.TenantID,
				OfficeID:       office.ID,
				VehicleID:      vehicles[plan.VehicleIndex].ID,
				ServiceDate:    day,
				Status:         model.RoutePlanned,
				TotalTasks:     len(plan.Stops),
				TotalLoad:      plan.Load,
				TotalDistanceM: plan.Distance,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			if err != nil {
				return err
			}
			for i, stop := range plan.Stops {
				if _, err := tx.CreateRouteStop(ctx, model.RouteStop{
					RouteID:  r.ID,
					TaskID:   tasks[stop].ID,
					Sequence: i + 1,
					Status:   model.StopPending,
				}); err != nil {
					return err
				}
			}
			created = append(created, r)
		}
		return nil
	})
	if errors.Is(err, errPlanned) {
		return GenerateResult{Routes: existing}, nil
	}
	if err != nil {
		return GenerateResult{}, txFailure("Generate", err)
	}

	metrics.RoutesGenerated.Add(float64(len(created)))
	for _, r := range created {
		s.publish(events.RouteGenerated, r.UUID, map[string]any{
			"officeId":       office.UUID.String(),
			"serviceDate":    day.Format(time.DateOnly),
			"totalTasks":     r.TotalTasks,
			"totalLoad":      r.TotalLoad,
			"totalDistanceM": r.TotalDistanceM,
		})
	}
	routes, err := s.store.ListRoutes(ctx, office.ID, day)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("planner.Generate: %w", err)
	}
	return GenerateResult{Created: true, Routes: routes}, nil
}

// Planning lists the routes of an office day in creation order.
func (s *Service) Planning(ctx context.Context, officeID uuid.UUID, serviceDate time.Time) (routes []model.RouteSummary, err error) {
	defer s.observe(ctx, "planning")(&err)
	office, err := s.store.GetOfficeByPublicID(ctx, officeID)
	if err != nil {
		return nil, lookupErr("Planning", "office", officeID, err)
	}
	routes, err = s.store.ListRoutes(ctx, office.ID, serviceDate)
	if err != nil {
		return nil, fmt.Errorf("planner.Planning: %w", err)
	}
	return routes, nil
}

// Detail returns a route with its office, vehicle and ordered stops.
func (s *Service) Detail(ctx context.Context, routeID uuid.UUID) (d model.RouteDetail, err error) {
	defer s.observe(ctx, "detail")(&err)
	route, err := s.store.GetRouteByPublicID(ctx, routeID)
	if err != nil {
		return model.RouteDetail{}, lookupErr("Detail", "route", routeID, err)
	}
	office, vehicle, err := s.routeRefs(ctx, "Detail", route)
	if err != nil {
		return model.RouteDetail{}, err
	}
	return s.assemble(ctx, "Detail", route.UUID, office, vehicle)
}

// Reorder puts the route's stops in the given task order. Distance is kept
// as it was; load and task count are recomputed.
func (s *Service) Reorder(ctx context.Context, routeID uuid.UUID, ordered []uuid.UUID) (d model.RouteDetail, err error) {
	defer s.observe(ctx, "reorder")(&err)
	release, err := s.locks.Acquire(ctx, lock.RouteKey(routeID))
	if err != nil {
		return model.RouteDetail{}, fmt.Errorf("planner.Reorder: lock: %w", err)
	}
	defer release()

	route, err := s.store.GetRouteByPublicID(ctx, routeID)
	if err != nil {
		return model.RouteDetail{}, lookupErr("Reorder", "route", routeID, err)
	}
	office, vehicle, err := s.routeRefs(ctx, "Reorder", route)
	if err != nil {
		return model.RouteDetail{}, err
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.Lock(ctx, lock.RouteKey(routeID)); err != nil {
			return err
		}
		if err := tx.DetachDeletedTasks(ctx, route.ID, s.now()); err != nil {
			return err
		}
		stops, err := tx.ListRouteStops(ctx, route.ID)
		if err != nil {
			return err
		}
		if _, err := sequence.Apply(ctx, tx, route.ID, sequenceView(stops), ordered); err != nil {
			return permutationErr(err)
		}
		return tx.UpdateRouteTotals(ctx, route.ID, model.RouteTotals{TotalTasks: len(stops), TotalLoad: totalLoad(stops)}, s.now())
	})
	if err != nil {
		return model.RouteDetail{}, txFailure("Reorder", err)
	}
	s.publish(events.RouteReordered, route.UUID, map[string]any{"orderedTaskIds": uuidStrings(ordered)})
	return s.assemble(ctx, "Reorder", route.UUID, office, vehicle)
}

// Recalculate resequences the route's current stops for its vehicle and
// refreshes every aggregate. A route without stops is returned unchanged.
func (s *Service) Recalculate(ctx context.Context, routeID uuid.UUID) (d model.RouteDetail, err error) {
	defer s.observe(ctx, "recalculate")(&err)
	release, err := s.locks.Acquire(ctx, lock.RouteKey(routeID))
	if err != nil {
		return model.RouteDetail{}, fmt.Errorf("planner.Recalculate: lock: %w", err)
	}
	defer release()

	route, err := s.store.GetRouteByPublicID(ctx, routeID)
	if err != nil {
		return model.RouteDetail{}, lookupErr("Recalculate", "route", routeID, err)
	}
	office, vehicle, err := s.routeRefs(ctx, "Recalculate", route)
	if errors.Is(err, ErrNotFound) {
		return model.RouteDetail{}, precondition(reasonRouteRefs)
	}
	if err != nil {
		return model.RouteDetail{}, err
	}
	stops, err := s.store.ListRouteStops(ctx, route.ID)
	if err != nil {
		return model.RouteDetail{}, fmt.Errorf("planner.Recalculate: %w", err)
	}
	if len(stops) == 0 {
		return s.assemble(ctx, "Recalculate", route.UUID, office, vehicle)
	}
	if office.Location == nil || !office.Location.Valid() {
		return model.RouteDetail{}, precondition(reasonOfficeLocation)
	}
	var invalid []uuid.UUID
	for _, st := range stops {
		if st.Location == nil || !st.Location.Valid() || st.LoadUnits <= 0 {
			invalid = append(invalid, st.TaskUUID)
		}
	}
	if len(invalid) > 0 {
		return model.RouteDetail{}, precondition(reasonInvalidTasks, invalid...)
	}

	points := []model.GeoPoint{*office.Location}
	demands := []int{0}
	for _, st := range stops {
		points = append(points, *st.Location)
		demands = append(demands, st.LoadUnits)
	}
	plan, ok := opt.SolveSingle(s.solver, opt.BuildMatrix(points), demands, vehicle.MaxCapacity, s.timeLimit)
	if !ok {
		return model.RouteDetail{}, fmt.Errorf("planner.Recalculate: %d stops, capacity %d: %w", len(stops), vehicle.MaxCapacity, ErrInfeasible)
	}
	ordered := make([]uuid.UUID, len(plan.Stops))
	for i, idx := range plan.Stops {
		ordered[i] = stops[idx].TaskUUID
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.Lock(ctx, lock.RouteKey(routeID)); err != nil {
			return err
		}
		if err := tx.DetachDeletedTasks(ctx, route.ID, s.now()); err != nil {
			return err
		}
		current, err := tx.ListRouteStops(ctx, route.ID)
		if err != nil {
			return err
		}
		if _, err := sequence.Apply(ctx, tx, route.ID, sequenceView(current), ordered); err != nil {
			if errors.Is(err, sequence.ErrSizeMismatch) || errors.Is(err, sequence.ErrSetMismatch) {
				return &PreconditionError{Reason: reasonStopsChanged, Err: err}
			}
			return err
		}
		distance := plan.Distance
		return tx.UpdateRouteTotals(ctx, route.ID, model.RouteTotals{TotalTasks: len(current), TotalLoad: plan.Load, TotalDistanceM: &distance}, s.now())
	})
	if err != nil {
		return model.RouteDetail{}, txFailure("Recalculate", err)
	}
	s.publish(events.RouteRecalculated, route.UUID, map[string]any{
		"orderedTaskIds": uuidStrings(ordered),
		"totalDistanceM": plan.Distance,
		"totalLoad":      plan.Load,
	})
	return s.assemble(ctx, "Recalculate", route.UUID, office, vehicle)
}

// RemoveStop takes a task off the route, closes the gap it leaves in the
// sequence and returns the task to the eligible pool. The route distance is
// recomputed along the remaining order.
func (s *Service) RemoveStop(ctx context.Context, routeID, taskID uuid.UUID) (d model.RouteDetail, err error) {
	defer s.observe(ctx, "remove_stop")(&err)
	release, err := s.locks.Acquire(ctx, lock.RouteKey(routeID))
	if err != nil {
		return model.RouteDetail{}, fmt.Errorf("planner.RemoveStop: lock: %w", err)
	}
	defer release()

	route, err := s.store.GetRouteByPublicID(ctx, routeID)
	if err != nil {
		return model.RouteDetail{}, lookupErr("RemoveStop", "route", routeID, err)
	}
	office, vehicle, err := s.routeRefs(ctx, "RemoveStop", route)
	if err != nil {
		return model.RouteDetail{}, err
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.Lock(ctx, lock.RouteKey(routeID)); err != nil {
			return err
		}
		if err := tx.DetachDeletedTasks(ctx, route.ID, s.now()); err != nil {
			return err
		}
		stops, err := tx.ListRouteStops(ctx, route.ID)
		if err != nil {
			return err
		}
		var (
			removed   *model.StopDetail
			remaining []model.StopDetail
		)
		for i := range stops {
			if stops[i].TaskUUID == taskID {
				removed = &stops[i]
				continue
			}
			remaining = append(remaining, stops[i])
		}
		if removed == nil {
			return fmt.Errorf("planner.RemoveStop: task %s not on route: %w", taskID, ErrNotFound)
		}
		now := s.now()
		if err := tx.SoftDeleteRouteStop(ctx, removed.StopID, now); err != nil {
			return err
		}
		order := make([]uuid.UUID, len(remaining))
		for i, st := range remaining {
			order[i] = st.TaskUUID
		}
		if _, err := sequence.Apply(ctx, tx, route.ID, sequenceView(remaining), order); err != nil {
			return err
		}
		return tx.UpdateRouteTotals(ctx, route.ID, model.RouteTotals{
			TotalTasks:     len(remaining),
			TotalLoad:      totalLoad(remaining),
			TotalDistanceM: pathDistance(office.Location, remaining),
		}, now)
	})
	if err != nil {
		return model.RouteDetail{}, txFailure("RemoveStop", err)
	}
	s.publish(events.RouteStopRemoved, route.UUID, map[string]any{"taskId": taskID.String()})
	return s.assemble(ctx, "RemoveStop", route.UUID, office, vehicle)
}

// assemble reads the route and its stops around office and vehicle, which
// callers resolve before writing anything.
func (s *Service) assemble(ctx context.Context, op string, routeID uuid.UUID, office model.Office, vehicle model.Vehicle) (model.RouteDetail, error) {
	route, err := s.store.GetRouteByPublicID(ctx, routeID)
	if err != nil {
		return model.RouteDetail{}, lookupErr(op, "route", routeID, err)
	}
	stops, err := s.store.ListRouteStops(ctx, route.ID)
	if err != nil {
		return model.RouteDetail{}, fmt.Errorf("planner.%s: %w", op, err)
	}
	if stops == nil {
		stops = []model.StopDetail{}
	}
	return model.RouteDetail{Route: route, Office: office, Vehicle: vehicle, Stops: stops}, nil
}

// routeRefs loads the office and vehicle a route points at by surrogate id.
// A soft-deleted one is reported as ErrNotFound.
func (s *Service) routeRefs(ctx context.Context, op string, route model.Route) (model.Office, model.Vehicle, error) {
	office, err := s.store.GetOfficeByID(ctx, route.OfficeID)
	if err != nil {
		return model.Office{}, model.Vehicle{}, refErr(op, "office", route, err)
	}
	vehicle, err := s.store.GetVehicleByID(ctx, route.VehicleID)
	if err != nil {
		return model.Office{}, model.Vehicle{}, refErr(op, "vehicle", route, err)
	}
	return office, vehicle, nil
}

func refErr(op, what string, route model.Route, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("planner.%s: %s of route %s: %w", op, what, route.UUID, ErrNotFound)
	}
	return fmt.Errorf("planner.%s: %s of route %s: %w", op, what, route.UUID, err)
}

// missingTasks lists the planned tasks that are no longer in pool.
func missingTasks(planned, pool []model.Task) []uuid.UUID {
	free := make(map[int64]bool, len(pool))
	for _, t := range pool {
		free[t.ID] = true
	}
	var out []uuid.UUID
	for _, t := range planned {
		if !free[t.ID] {
			out = append(out, t.UUID)
		}
	}
	return out
}

func (s *Service) publish(typ string, routeID uuid.UUID, data map[string]any) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(routeID.String(), events.Event{Type: typ, RouteID: routeID.String(), At: s.now().UTC(), Data: data})
	metrics.EventsPublished.WithLabelValues(typ).Inc()
}

// observe logs and counts one operation; call the result with the named
// error return.
func (s *Service) observe(ctx context.Context, op string) func(errp *error) {
	start := time.Now()
	return func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		kind := outcome(err)
		metrics.PlanningOperations.WithLabelValues(op, kind).Inc()
		attrs := []any{"op", op, "outcome", kind, "duration_ms", time.Since(start).Milliseconds()}
		if err != nil && kind != "precondition" && kind != "not_found" {
			s.log.ErrorContext(ctx, "planning operation failed", append(attrs, "err", err)...)
			return
		}
		if err != nil {
			attrs = append(attrs, "err", err)
		}
		s.log.InfoContext(ctx, "planning operation", attrs...)
	}
}

func lookupErr(op, what string, id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("planner.%s: %s %s: %w", op, what, id, ErrNotFound)
	}
	return fmt.Errorf("planner.%s: %w", op, err)
}

func permutationErr(err error) error {
	if errors.Is(err, sequence.ErrSizeMismatch) || errors.Is(err, sequence.ErrSetMismatch) {
		return &PreconditionError{Reason: err.Error(), Err: err}
	}
	return err
}

func sequenceView(stops []model.StopDetail) []sequence.Stop {
	out := make([]sequence.Stop, len(stops))
	for i, st := range stops {
		out[i] = sequence.Stop{ID: st.StopID, TaskID: st.TaskUUID, Sequence: st.Sequence}
	}
	return out
}

func totalLoad(stops []model.StopDetail) int {
	load := 0
	for _, st := range stops {
		load += st.LoadUnits
	}
	return load
}

// pathDistance is the closed tour length from depot through stops in order,
// or nil when any point is unknown.
func pathDistance(depot *model.GeoPoint, stops []model.StopDetail) *int {
	if depot == nil {
		return nil
	}
	total := 0
	prev := *depot
	for _, st := range stops {
		if st.Location == nil {
			return nil
		}
		total += opt.Haversine(prev, *st.Location)
		prev = *st.Location
	}
	total += opt.Haversine(prev, *depot)
	return &total
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// instrumented records solve time and search effort for any engine.
type instrumented struct {
	opt.Solver
}

func (i instrumented) Solve(p opt.Problem) opt.Solution {
	start := time.Now()
	sol := i.Solver.Solve(p)
	metrics.SolverDuration.WithLabelValues(i.Name()).Observe(time.Since(start).Seconds())
	metrics.SolverIterations.WithLabelValues(i.Name()).Observe(float64(sol.Metrics.Iterations))
	return sol
}
