package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetplan/internal/events"
	"fleetplan/internal/model"
	"fleetplan/internal/opt"
	"fleetplan/internal/store"
)

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ string, evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type env struct {
	mem    *store.Memory
	svc    *Service
	pub    *recorder
	office model.Office
}

func newEnv(t *testing.T, st store.Store, mem *store.Memory, opts ...Option) env {
	t.Helper()
	return newEnvWith(t, opt.Greedy{}, st, mem, opts...)
}

func newEnvWith(t *testing.T, solver opt.Solver, st store.Store, mem *store.Memory, opts ...Option) env {
	t.Helper()
	pub := &recorder{}
	svc := New(st, solver, append([]Option{
		WithPublisher(pub),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTimeLimit(200*time.Millisecond),
	}, opts...)...)
	return env{mem: mem, svc: svc, pub: pub}
}

// depot seeds an office at (10,20) with one vehicle per capacity.
func depot(t *testing.T, caps ...int) env {
	t.Helper()
	mem := store.NewMemory()
	e := newEnv(t, mem, mem)
	e.office = mem.PutOffice(model.Office{Name: "Depot", Location: &model.GeoPoint{Lat: 10, Lng: 20}})
	for _, c := range caps {
		mem.PutVehicle(model.Vehicle{OfficeID: e.office.ID, Name: "Van", MaxCapacity: c})
	}
	return e
}

func (e env) task(load int, lat, lng float64) model.Task {
	return e.mem.PutTask(model.Task{OfficeID: e.office.ID, Type: "delivery", LoadUnits: load, Location: &model.GeoPoint{Lat: lat, Lng: lng}})
}

func taskOrder(d model.RouteDetail) []uuid.UUID {
	out := make([]uuid.UUID, len(d.Stops))
	for i, st := range d.Stops {
		out[i] = st.TaskUUID
	}
	return out
}

func assertDense(t *testing.T, d model.RouteDetail) {
	t.Helper()
	for i, st := range d.Stops {
		assert.Equal(t, i+1, st.Sequence)
	}
}

func TestGenerateTwoStops(t *testing.T) {
	e := depot(t, 50, 50)
	near := e.task(5, 10, 20.01)
	far := e.task(8, 11, 21)
	ctx := context.Background()

	res, err := e.svc.Generate(ctx, e.office.UUID, day)
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.Len(t, res.Routes, 1)
	assert.Equal(t, 2, res.Routes[0].TotalTasks)
	assert.Equal(t, 13, res.Routes[0].TotalLoad)
	assert.Greater(t, res.Routes[0].TotalDistanceM, 0)

	d, err := e.svc.Detail(ctx, res.Routes[0].UUID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{near.UUID, far.UUID}, taskOrder(d))
	assertDense(t, d)
	assert.Equal(t, model.RoutePlanned, d.Route.Status)
	assert.Equal(t, e.office.UUID, d.Office.UUID)
	assert.Equal(t, []string{events.RouteGenerated}, e.pub.types())
}

func TestGenerateIsIdempotentPerDay(t *testing.T) {
	e := depot(t, 50)
	e.task(5, 10, 20.01)
	ctx := context.Background()

	first, err := e.svc.Generate(ctx, e.office.UUID, day)
	require.NoError(t, err)
	e.task(3, 10, 20.02)

	again, err := e.svc.Generate(ctx, e.office.UUID, day.Add(15*time.Hour))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.Routes, again.Routes)

	other, err := e.svc.Generate(ctx, e.office.UUID, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.True(t, other.Created)
	require.Len(t, other.Routes, 1)
	assert.Equal(t, 1, other.Routes[0].TotalTasks, "only the task left in the pool")
}

func TestGenerateInfeasible(t *testing.T) {
	e := depot(t, 3)
	e.task(5, 10, 20.01)

	_, err := e.svc.Generate(context.Background(), e.office.UUID, day)
	assert.ErrorIs(t, err, ErrInfeasible)
	assert.Empty(t, e.pub.types())

	routes, err := e.svc.Planning(context.Background(), e.office.UUID, day)
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestGeneratePreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("office without coordinates", func(t *testing.T) {
		mem := store.NewMemory()
		e := newEnv(t, mem, mem)
		o := mem.PutOffice(model.Office{Name: "Nowhere"})
		_, err := e.svc.Generate(ctx, o.UUID, day)
		var pe *PreconditionError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, reasonOfficeLocation, pe.Reason)
	})

	t.Run("no vehicles", func(t *testing.T) {
		e := depot(t)
		e.task(1, 10, 20.01)
		_, err := e.svc.Generate(ctx, e.office.UUID, day)
		assert.ErrorIs(t, err, ErrPrecondition)
		assert.ErrorContains(t, err, reasonNoVehicles)
	})

	t.Run("no tasks", func(t *testing.T) {
		e := depot(t, 10)
		_, err := e.svc.Generate(ctx, e.office.UUID, day)
		assert.ErrorIs(t, err, ErrPrecondition)
		assert.ErrorContains(t, err, reasonNoTasks)
	})

	t.Run("invalid tasks are listed", func(t *testing.T) {
		e := depot(t, 10)
		e.task(1, 10, 20.01)
		noLoad := e.task(0, 10, 20.02)
		noPoint := e.mem.PutTask(model.Task{OfficeID: e.office.ID, LoadUnits: 2})
		_, err := e.svc.Generate(ctx, e.office.UUID, day)
		var pe *PreconditionError
		require.ErrorAs(t, err, &pe)
		assert.ErrorIs(t, err, ErrPrecondition)
		assert.Equal(t, reasonInvalidTasks, pe.Reason)
		assert.ElementsMatch(t, []uuid.UUID{noLoad.UUID, noPoint.UUID}, pe.TaskIDs)
	})

	t.Run("unknown office", func(t *testing.T) {
		e := depot(t, 10)
		_, err := e.svc.Generate(ctx, uuid.New(), day)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// planned generates one route holding n tasks in creation order.
func planned(t *testing.T, n int) (env, model.RouteDetail) {
	t.Helper()
	e := depot(t, 100)
	for i := 0; i < n; i++ {
		e.task(i+1, 10, 20+float64(i+1)/100)
	}
	res, err := e.svc.Generate(context.Background(), e.office.UUID, day)
	require.NoError(t, err)
	require.Len(t, res.Routes, 1)
	d, err := e.svc.Detail(context.Background(), res.Routes[0].UUID)
	require.NoError(t, err)
	require.Len(t, d.Stops, n)
	return e, d
}

func TestReorder(t *testing.T) {
	e, d := planned(t, 3)
	a, b, c := d.Stops[0].TaskUUID, d.Stops[1].TaskUUID, d.Stops[2].TaskUUID
	distance := d.Route.TotalDistanceM

	got, err := e.svc.Reorder(context.Background(), d.Route.UUID, []uuid.UUID{c, a, b})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{c, a, b}, taskOrder(got))
	assertDense(t, got)
	assert.Equal(t, 3, got.Route.TotalTasks)
	assert.Equal(t, 6, got.Route.TotalLoad)
	assert.Equal(t, distance, got.Route.TotalDistanceM, "reorder keeps the stored distance")
	assert.Equal(t, []string{events.RouteGenerated, events.RouteReordered}, e.pub.types())
}

func TestReorderRejectsWrongTaskSet(t *testing.T) {
	e, d := planned(t, 3)
	a, b := d.Stops[0].TaskUUID, d.Stops[1].TaskUUID
	ctx := context.Background()

	_, err := e.svc.Reorder(ctx, d.Route.UUID, []uuid.UUID{a, b})
	assert.ErrorIs(t, err, ErrPrecondition)

	_, err = e.svc.Reorder(ctx, d.Route.UUID, []uuid.UUID{a, b, uuid.New()})
	assert.ErrorIs(t, err, ErrPrecondition)

	_, err = e.svc.Reorder(ctx, d.Route.UUID, []uuid.UUID{a, a, b})
	assert.ErrorIs(t, err, ErrPrecondition)

	after, err := e.svc.Detail(ctx, d.Route.UUID)
	require.NoError(t, err)
	assert.Equal(t, taskOrder(d), taskOrder(after))

	_, err = e.svc.Reorder(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecalculate(t *testing.T) {
	e, d := planned(t, 4)
	ctx := context.Background()
	order := taskOrder(d)
	scrambled := []uuid.UUID{order[2], order[0], order[3], order[1]}
	_, err := e.svc.Reorder(ctx, d.Route.UUID, scrambled)
	require.NoError(t, err)

	got, err := e.svc.Recalculate(ctx, d.Route.UUID)
	require.NoError(t, err)
	assertDense(t, got)
	assert.ElementsMatch(t, order, taskOrder(got))
	assert.Equal(t, order, taskOrder(got), "stops on a line are visited outward")
	assert.Equal(t, 10, got.Route.TotalLoad)
	assert.Equal(t, 4, got.Route.TotalTasks)
	assert.Equal(t, d.Route.TotalDistanceM, got.Route.TotalDistanceM)
	assert.Contains(t, e.pub.types(), events.RouteRecalculated)
}

func TestRecalculateEmptyRoute(t *testing.T) {
	e, d := planned(t, 1)
	ctx := context.Background()
	_, err := e.svc.RemoveStop(ctx, d.Route.UUID, d.Stops[0].TaskUUID)
	require.NoError(t, err)

	got, err := e.svc.Recalculate(ctx, d.Route.UUID)
	require.NoError(t, err)
	assert.Empty(t, got.Stops)
	assert.Equal(t, 0, got.Route.TotalTasks)
}

func TestRemoveStop(t *testing.T) {
	e, d := planned(t, 3)
	ctx := context.Background()
	middle := d.Stops[1]

	got, err := e.svc.RemoveStop(ctx, d.Route.UUID, middle.TaskUUID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{d.Stops[0].TaskUUID, d.Stops[2].TaskUUID}, taskOrder(got))
	assertDense(t, got)
	assert.Equal(t, 2, got.Route.TotalTasks)
	assert.Equal(t, 4, got.Route.TotalLoad)
	home := *e.office.Location
	first, last := *d.Stops[0].Location, *d.Stops[2].Location
	want := opt.Haversine(home, first) + opt.Haversine(first, last) + opt.Haversine(last, home)
	assert.Equal(t, want, got.Route.TotalDistanceM)

	pool, err := e.mem.ListEligibleTasks(ctx, e.office)
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, middle.TaskUUID, pool[0].UUID)

	_, err = e.svc.RemoveStop(ctx, d.Route.UUID, middle.TaskUUID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDetailNotFound(t *testing.T) {
	e := depot(t, 10)
	_, err := e.svc.Detail(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.svc.Planning(context.Background(), uuid.New(), day)
	assert.ErrorIs(t, err, ErrNotFound)
}

// failingTx aborts every transaction after the reads succeed.
type failingTx struct {
	store.Store
}

func (f failingTx) InTx(ctx context.Context, fn func(store.Tx) error) error {
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("commit: connection reset")
	})
}

func TestTransactionFailure(t *testing.T) {
	mem := store.NewMemory()
	e := newEnv(t, failingTx{Store: mem}, mem)
	e.office = mem.PutOffice(model.Office{Name: "Depot", Location: &model.GeoPoint{Lat: 10, Lng: 20}})
	mem.PutVehicle(model.Vehicle{OfficeID: e.office.ID, MaxCapacity: 10})
	e.task(2, 10, 20.01)

	_, err := e.svc.Generate(context.Background(), e.office.UUID, day)
	assert.ErrorIs(t, err, ErrTransaction)
	assert.Equal(t, "transaction", outcome(err))
	assert.Empty(t, e.pub.types())

	routes, err := mem.ListRoutes(context.Background(), e.office.ID, day)
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestConcurrentGenerateCreatesOnce(t *testing.T) {
	e := depot(t, 50)
	for i := 0; i < 5; i++ {
		e.task(1, 10, 20+float64(i)/100)
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.svc.Generate(context.Background(), e.office.UUID, day)
			assert.NoError(t, err)
			if res.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "not_found", outcome(ErrNotFound))
	assert.Equal(t, "precondition", outcome(precondition(reasonNoTasks)))
	assert.Equal(t, "infeasible", outcome(ErrInfeasible))
	assert.Equal(t, "error", outcome(errors.New("boom")))
	assert.ErrorIs(t, txFailure("X", precondition(reasonNoTasks)), ErrPrecondition)
	assert.NotErrorIs(t, txFailure("X", precondition(reasonNoTasks)), ErrTransaction)
}

// routedTasks counts, per task, the live routes of the office that hold it
// across the given days.
func routedTasks(t *testing.T, e env, days ...time.Time) map[uuid.UUID]int {
	t.Helper()
	ctx := context.Background()
	seen := map[uuid.UUID]int{}
	for _, d := range days {
		routes, err := e.svc.Planning(ctx, e.office.UUID, d)
		require.NoError(t, err)
		for _, r := range routes {
			detail, err := e.svc.Detail(ctx, r.UUID)
			require.NoError(t, err)
			for _, st := range detail.Stops {
				seen[st.TaskUUID]++
			}
		}
	}
	return seen
}

func TestConcurrentGenerateAcrossDays(t *testing.T) {
	e := depot(t, 50)
	for i := 0; i < 4; i++ {
		e.task(1, 10, 20+float64(i+1)/100)
	}
	next := day.AddDate(0, 0, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	results := make([]GenerateResult, 2)
	for i, d := range []time.Time{day, next} {
		i, d := i, d
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.svc.Generate(context.Background(), e.office.UUID, d)
		}()
	}
	wg.Wait()

	created := 0
	for i := range results {
		if errs[i] == nil && results[i].Created {
			created++
			continue
		}
		assert.ErrorIs(t, errs[i], ErrPrecondition)
		assert.ErrorContains(t, errs[i], reasonNoTasks)
	}
	assert.Equal(t, 1, created)

	seen := routedTasks(t, e, day, next)
	assert.Len(t, seen, 4)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s", id)
	}
}

// noLock lets every caller through, as two replicas without a shared
// locker would.
type noLock struct{}

func (noLock) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

// gatedPool holds every ListEligibleTasks call until all expected callers
// have arrived, so each one solves against the same pool.
type gatedPool struct {
	store.Store
	arrived sync.WaitGroup
}

func (g *gatedPool) ListEligibleTasks(ctx context.Context, office model.Office) ([]model.Task, error) {
	g.arrived.Done()
	g.arrived.Wait()
	return g.Store.ListEligibleTasks(ctx, office)
}

func TestGenerateRechecksPoolInTransaction(t *testing.T) {
	mem := store.NewMemory()
	gate := &gatedPool{Store: mem}
	gate.arrived.Add(2)
	e := newEnv(t, gate, mem, WithLocker(noLock{}))
	e.office = mem.PutOffice(model.Office{Name: "Depot", Location: &model.GeoPoint{Lat: 10, Lng: 20}})
	mem.PutVehicle(model.Vehicle{OfficeID: e.office.ID, MaxCapacity: 50})
	a := e.task(2, 10, 20.01)
	b := e.task(3, 10, 20.02)
	next := day.AddDate(0, 0, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, d := range []time.Time{day, next} {
		i, d := i, d
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.svc.Generate(context.Background(), e.office.UUID, d)
		}()
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	require.Len(t, failed, 1)
	var pe *PreconditionError
	require.ErrorAs(t, failed[0], &pe)
	assert.Equal(t, reasonTasksTaken, pe.Reason)
	assert.ElementsMatch(t, []uuid.UUID{a.UUID, b.UUID}, pe.TaskIDs)

	seen := routedTasks(t, e, day, next)
	assert.Equal(t, map[uuid.UUID]int{a.UUID: 1, b.UUID: 1}, seen)
	assert.Equal(t, []string{events.RouteGenerated}, e.pub.types())
}

func TestRouteWithDeletedVehicle(t *testing.T) {
	e, d := planned(t, 3)
	ctx := context.Background()
	before := taskOrder(d)
	require.NoError(t, e.mem.SoftDeleteVehicle(d.Vehicle.ID, time.Now()))

	_, err := e.svc.Detail(ctx, d.Route.UUID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrPrecondition)

	_, err = e.svc.Reorder(ctx, d.Route.UUID, []uuid.UUID{before[2], before[0], before[1]})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.svc.RemoveStop(ctx, d.Route.UUID, before[0])
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.svc.Recalculate(ctx, d.Route.UUID)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.ErrorContains(t, err, reasonRouteRefs)

	// nothing was written and nothing announced
	stops, err := e.mem.ListRouteStops(ctx, d.Route.ID)
	require.NoError(t, err)
	require.Len(t, stops, 3)
	for i, st := range stops {
		assert.Equal(t, before[i], st.TaskUUID)
		assert.Equal(t, i+1, st.Sequence)
	}
	assert.Equal(t, []string{events.RouteGenerated}, e.pub.types())
}

func TestDeletedTaskDropsOffRoute(t *testing.T) {
	e := depot(t, 100)
	a := e.task(1, 10, 20.01)
	b := e.task(2, 10, 20.02)
	c := e.task(3, 10, 20.03)
	ctx := context.Background()
	res, err := e.svc.Generate(ctx, e.office.UUID, day)
	require.NoError(t, err)
	require.Len(t, res.Routes, 1)
	routeID := res.Routes[0].UUID
	require.NoError(t, e.mem.SoftDeleteTask(b.ID, time.Now()))

	d, err := e.svc.Detail(ctx, routeID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.UUID, c.UUID}, taskOrder(d))

	_, err = e.svc.Reorder(ctx, routeID, []uuid.UUID{c.UUID, b.UUID, a.UUID})
	assert.ErrorIs(t, err, ErrPrecondition)

	got, err := e.svc.Reorder(ctx, routeID, []uuid.UUID{c.UUID, a.UUID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{c.UUID, a.UUID}, taskOrder(got))
	assertDense(t, got)
	assert.Equal(t, 2, got.Route.TotalTasks)
	assert.Equal(t, 4, got.Route.TotalLoad)
}

func TestGuidedEngineEndToEnd(t *testing.T) {
	solver, err := opt.Detect(opt.EngineGuided)
	if err != nil {
		t.Skipf("guided engine not built in: %v", err)
	}
	mem := store.NewMemory()
	e := newEnvWith(t, solver, mem, mem)
	e.office = mem.PutOffice(model.Office{Name: "Depot", Location: &model.GeoPoint{Lat: 10, Lng: 20}})
	mem.PutVehicle(model.Vehicle{OfficeID: e.office.ID, Name: "Van", MaxCapacity: 10})
	mem.PutVehicle(model.Vehicle{OfficeID: e.office.ID, Name: "Truck", MaxCapacity: 10})
	var all []uuid.UUID
	for i := 0; i < 6; i++ {
		lng := 20 + float64(i+1)/50
		if i%2 == 1 {
			lng = 20 - float64(i+1)/50
		}
		all = append(all, e.task(3, 10, lng).UUID)
	}
	ctx := context.Background()

	res, err := e.svc.Generate(ctx, e.office.UUID, day)
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.Len(t, res.Routes, 2)

	var planned []uuid.UUID
	for _, r := range res.Routes {
		assert.LessOrEqual(t, r.TotalLoad, 10)
		d, err := e.svc.Detail(ctx, r.UUID)
		require.NoError(t, err)
		assertDense(t, d)
		planned = append(planned, taskOrder(d)...)

		again, err := e.svc.Recalculate(ctx, r.UUID)
		require.NoError(t, err)
		assertDense(t, again)
		assert.ElementsMatch(t, taskOrder(d), taskOrder(again))
		assert.LessOrEqual(t, again.Route.TotalDistanceM, r.TotalDistanceM)
	}
	assert.ElementsMatch(t, all, planned)
}
