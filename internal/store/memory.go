package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetplan/internal/model"
)

// Memory is an in-memory store used when no DATABASE_URL is set. A
// transaction works on a private copy of the state that replaces the shared
// one on commit. Stop positions are checked for uniqueness row by row.
type Memory struct {
	txMu  sync.Mutex // one writer at a time
	mu    sync.Mutex // guards state
	state *memState
	now   func() time.Time
}

type memState struct {
	nextID   int64
	offices  map[int64]model.Office
	vehicles map[int64]model.Vehicle
	tasks    map[int64]model.Task
	routes   map[int64]model.Route
	stops    map[int64]model.RouteStop
}

func NewMemory() *Memory {
	return &Memory{
		state: &memState{
			offices:  map[int64]model.Office{},
			vehicles: map[int64]model.Vehicle{},
			tasks:    map[int64]model.Task{},
			routes:   map[int64]model.Route{},
			stops:    map[int64]model.RouteStop{},
		},
		now: time.Now,
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:   s.nextID,
		offices:  make(map[int64]model.Office, len(s.offices)),
		vehicles: make(map[int64]model.Vehicle, len(s.vehicles)),
		tasks:    make(map[int64]model.Task, len(s.tasks)),
		routes:   make(map[int64]model.Route, len(s.routes)),
		stops:    make(map[int64]model.RouteStop, len(s.stops)),
	}
	for k, v := range s.offices {
		c.offices[k] = v
	}
	for k, v := range s.vehicles {
		c.vehicles[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.routes {
		c.routes[k] = v
	}
	for k, v := range s.stops {
		c.stops[k] = v
	}
	return c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// read runs fn against the committed state.
func (m *Memory) read(fn func(s *memState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
}

// write runs fn against the committed state with writers excluded.
func (m *Memory) write(fn func(s *memState)) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
}

// PutOffice stores an office, filling in ids and timestamps it lacks.
func (m *Memory) PutOffice(o model.Office) model.Office {
	m.write(func(s *memState) {
		o.ID = s.id()
		if o.UUID == uuid.Nil {
			o.UUID = uuid.New()
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = m.now()
		}
		s.offices[o.ID] = o
	})
	return o
}

func (m *Memory) PutVehicle(v model.Vehicle) model.Vehicle {
	m.write(func(s *memState) {
		v.ID = s.id()
		if v.UUID == uuid.Nil {
			v.UUID = uuid.New()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = m.now()
		}
		s.vehicles[v.ID] = v
	})
	return v
}

func (m *Memory) PutTask(t model.Task) model.Task {
	m.write(func(s *memState) {
		t.ID = s.id()
		if t.UUID == uuid.Nil {
			t.UUID = uuid.New()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = m.now()
		}
		if t.Status == "" {
			t.Status = model.TaskPending
		}
		s.tasks[t.ID] = t
	})
	return t
}

// Import loads a seed fixture.
func (m *Memory) Import(_ context.Context, seed Seed) error {
	for _, so := range seed.Offices {
		o, err := so.office()
		if err != nil {
			return fmt.Errorf("store.Memory.Import: %w", err)
		}
		o = m.PutOffice(o)
		for _, sv := range so.Vehicles {
			v, err := sv.vehicle()
			if err != nil {
				return fmt.Errorf("store.Memory.Import: %w", err)
			}
			v.OfficeID = o.ID
			v.TenantID = o.TenantID
			m.PutVehicle(v)
		}
		for _, st := range so.Tasks {
			t, err := st.task(o.TenantID)
			if err != nil {
				return fmt.Errorf("store.Memory.Import: %w", err)
			}
			t.OfficeID = o.ID
			m.PutTask(t)
		}
	}
	return nil
}

// SoftDeleteVehicle marks a vehicle deleted, hiding it from every read.
func (m *Memory) SoftDeleteVehicle(id int64, at time.Time) error {
	var ok bool
	m.write(func(s *memState) {
		var v model.Vehicle
		if v, ok = s.vehicles[id]; ok {
			v.DeletedAt = &at
			s.vehicles[id] = v
		}
	})
	if !ok {
		return fmt.Errorf("store.Memory.SoftDeleteVehicle: vehicle %d: %w", id, ErrNotFound)
	}
	return nil
}

// SoftDeleteTask marks a task deleted. Its stops stay in place but drop out
// of route reads.
func (m *Memory) SoftDeleteTask(id int64, at time.Time) error {
	var ok bool
	m.write(func(s *memState) {
		var t model.Task
		if t, ok = s.tasks[id]; ok {
			t.DeletedAt = &at
			s.tasks[id] = t
		}
	})
	if !ok {
		return fmt.Errorf("store.Memory.SoftDeleteTask: task %d: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) GetOfficeByID(_ context.Context, id int64) (model.Office, error) {
	var (
		o  model.Office
		ok bool
	)
	m.read(func(s *memState) { o, ok = s.offices[id] })
	if !ok || o.DeletedAt != nil {
		return model.Office{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) GetOfficeByPublicID(_ context.Context, id uuid.UUID) (model.Office, error) {
	var (
		out   model.Office
		found bool
	)
	m.read(func(s *memState) {
		for _, o := range s.offices {
			if o.UUID == id && o.DeletedAt == nil {
				out, found = o, true
				return
			}
		}
	})
	if !found {
		return model.Office{}, ErrNotFound
	}
	return out, nil
}

func (m *Memory) GetVehicleByID(_ context.Context, id int64) (model.Vehicle, error) {
	var (
		v  model.Vehicle
		ok bool
	)
	m.read(func(s *memState) { v, ok = s.vehicles[id] })
	if !ok || v.DeletedAt != nil {
		return model.Vehicle{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) ListActiveVehicles(_ context.Context, office model.Office) ([]model.Vehicle, error) {
	var out []model.Vehicle
	m.read(func(s *memState) {
		for _, v := range s.vehicles {
			if v.OfficeID != office.ID || v.DeletedAt != nil {
				continue
			}
			if office.TenantID != "" && v.TenantID != office.TenantID {
				continue
			}
			out = append(out, v)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListEligibleTasks(_ context.Context, office model.Office) ([]model.Task, error) {
	var out []model.Task
	m.read(func(s *memState) { out = s.eligibleTasks(office) })
	return out, nil
}

// routedOn returns the live route holding a live stop for the task, if any.
func (s *memState) routedOn(taskID int64) (int64, bool) {
	for _, st := range s.stops {
		if st.TaskID != taskID || st.DeletedAt != nil {
			continue
		}
		if r, ok := s.routes[st.RouteID]; ok && r.DeletedAt == nil {
			return r.ID, true
		}
	}
	return 0, false
}

func (s *memState) eligibleTasks(office model.Office) []model.Task {
	var out []model.Task
	for _, t := range s.tasks {
		if t.OfficeID != office.ID || t.DeletedAt != nil || !t.Status.Plannable() {
			continue
		}
		if office.TenantID != "" && t.TenantID != office.TenantID {
			continue
		}
		if _, taken := s.routedOn(t.ID); taken {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) GetRouteByPublicID(_ context.Context, id uuid.UUID) (model.Route, error) {
	var (
		out   model.Route
		found bool
	)
	m.read(func(s *memState) {
		for _, r := range s.routes {
			if r.UUID == id && r.DeletedAt == nil {
				out, found = r, true
				return
			}
		}
	})
	if !found {
		return model.Route{}, ErrNotFound
	}
	return out, nil
}

func (m *Memory) ListRouteStops(_ context.Context, routeID int64) ([]model.StopDetail, error) {
	var out []model.StopDetail
	m.read(func(s *memState) { out = s.routeStops(routeID) })
	return out, nil
}

func (m *Memory) ListRoutes(_ context.Context, officeID int64, serviceDate time.Time) ([]model.RouteSummary, error) {
	var out []model.RouteSummary
	m.read(func(s *memState) { out = s.listRoutes(officeID, serviceDate) })
	return out, nil
}

func (s *memState) routeStops(routeID int64) []model.StopDetail {
	var out []model.StopDetail
	for _, st := range s.stops {
		if st.RouteID != routeID || st.DeletedAt != nil {
			continue
		}
		t, ok := s.tasks[st.TaskID]
		if !ok || t.DeletedAt != nil {
			continue
		}
		out = append(out, model.StopDetail{
			StopID:     st.ID,
			StopUUID:   st.UUID,
			TaskUUID:   t.UUID,
			Sequence:   st.Sequence,
			Status:     st.Status,
			TaskType:   t.Type,
			TaskStatus: t.Status,
			Address:    t.Address,
			Location:   t.Location,
			LoadUnits:  t.LoadUnits,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (s *memState) listRoutes(officeID int64, serviceDate time.Time) []model.RouteSummary {
	var rs []model.Route
	for _, r := range s.routes {
		if r.OfficeID == officeID && r.DeletedAt == nil && model.SameDay(r.ServiceDate, serviceDate) {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
	out := make([]model.RouteSummary, 0, len(rs))
	for _, r := range rs {
		v := s.vehicles[r.VehicleID]
		out = append(out, model.RouteSummary{
			UUID:           r.UUID,
			VehicleUUID:    v.UUID,
			VehicleName:    v.Name,
			ServiceDate:    r.ServiceDate,
			Status:         r.Status,
			TotalTasks:     r.TotalTasks,
			TotalLoad:      r.TotalLoad,
			TotalDistanceM: r.TotalDistanceM,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out
}

// InTx runs fn on a copy of the state and publishes the copy only when fn
// succeeds.
func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	work := m.state.clone()
	m.mu.Unlock()

	if err := fn(&memTx{s: work, now: m.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	return nil
}

type memTx struct {
	s   *memState
	now func() time.Time
}

// Lock is a no-op: Memory already admits a single transaction at a time.
func (t *memTx) Lock(context.Context, string) error { return nil }

func (t *memTx) ListRoutes(_ context.Context, officeID int64, serviceDate time.Time) ([]model.RouteSummary, error) {
	return t.s.listRoutes(officeID, serviceDate), nil
}

func (t *memTx) ListRouteStops(_ context.Context, routeID int64) ([]model.StopDetail, error) {
	return t.s.routeStops(routeID), nil
}

func (t *memTx) ListEligibleTasks(_ context.Context, office model.Office) ([]model.Task, error) {
	return t.s.eligibleTasks(office), nil
}

func (t *memTx) CreateRoute(_ context.Context, r model.Route) (model.Route, error) {
	if _, ok := t.s.offices[r.OfficeID]; !ok {
		return model.Route{}, fmt.Errorf("store.Memory.CreateRoute: office %d: %w", r.OfficeID, ErrNotFound)
	}
	if _, ok := t.s.vehicles[r.VehicleID]; !ok {
		return model.Route{}, fmt.Errorf("store.Memory.CreateRoute: vehicle %d: %w", r.VehicleID, ErrNotFound)
	}
	r.ID = t.s.id()
	if r.UUID == uuid.Nil {
		r.UUID = uuid.New()
	}
	now := t.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	r.ServiceDate = model.ServiceDay(r.ServiceDate)
	t.s.routes[r.ID] = r
	return r, nil
}

func (t *memTx) CreateRouteStop(_ context.Context, st model.RouteStop) (model.RouteStop, error) {
	if r, ok := t.s.routes[st.RouteID]; !ok || r.DeletedAt != nil {
		return model.RouteStop{}, fmt.Errorf("store.Memory.CreateRouteStop: route %d: %w", st.RouteID, ErrNotFound)
	}
	if _, ok := t.s.tasks[st.TaskID]; !ok {
		return model.RouteStop{}, fmt.Errorf("store.Memory.CreateRouteStop: task %d: %w", st.TaskID, ErrNotFound)
	}
	if st.Sequence < 1 {
		return model.RouteStop{}, fmt.Errorf("store.Memory.CreateRouteStop: sequence %d must be positive", st.Sequence)
	}
	for _, other := range t.s.stops {
		if other.RouteID != st.RouteID || other.DeletedAt != nil {
			continue
		}
		if other.Sequence == st.Sequence || other.TaskID == st.TaskID {
			return model.RouteStop{}, fmt.Errorf("store.Memory.CreateRouteStop: route %d: %w", st.RouteID, ErrConflict)
		}
	}
	if other, taken := t.s.routedOn(st.TaskID); taken {
		return model.RouteStop{}, fmt.Errorf("store.Memory.CreateRouteStop: task %d already on route %d: %w", st.TaskID, other, ErrConflict)
	}
	st.ID = t.s.id()
	if st.UUID == uuid.Nil {
		st.UUID = uuid.New()
	}
	if st.Status == "" {
		st.Status = model.StopPending
	}
	now := t.now()
	st.CreatedAt, st.UpdatedAt = now, now
	t.s.stops[st.ID] = st
	return st, nil
}

func (t *memTx) UpdateRouteTotals(_ context.Context, routeID int64, totals model.RouteTotals, at time.Time) error {
	r, ok := t.s.routes[routeID]
	if !ok || r.DeletedAt != nil {
		return fmt.Errorf("store.Memory.UpdateRouteTotals: route %d: %w", routeID, ErrNotFound)
	}
	r.TotalTasks = totals.TotalTasks
	r.TotalLoad = totals.TotalLoad
	if totals.TotalDistanceM != nil {
		r.TotalDistanceM = *totals.TotalDistanceM
	}
	r.UpdatedAt = at
	t.s.routes[routeID] = r
	return nil
}

func (t *memTx) SoftDeleteRouteStop(_ context.Context, stopID int64, at time.Time) error {
	st, ok := t.s.stops[stopID]
	if !ok || st.DeletedAt != nil {
		return fmt.Errorf("store.Memory.SoftDeleteRouteStop: stop %d: %w", stopID, ErrNotFound)
	}
	st.DeletedAt = &at
	st.UpdatedAt = at
	t.s.stops[stopID] = st
	return nil
}

func (t *memTx) DetachDeletedTasks(_ context.Context, routeID int64, at time.Time) error {
	for id, st := range t.s.stops {
		if st.RouteID != routeID || st.DeletedAt != nil {
			continue
		}
		if task, ok := t.s.tasks[st.TaskID]; ok && task.DeletedAt == nil {
			continue
		}
		st.DeletedAt = &at
		st.UpdatedAt = at
		t.s.stops[id] = st
	}
	return nil
}

// WriteSequences applies positions one row at a time in stop id order and
// fails on the first row that would duplicate a live position.
func (t *memTx) WriteSequences(_ context.Context, routeID int64, positions map[int64]int) error {
	ids := make([]int64, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	now := t.now()
	for _, id := range ids {
		st, ok := t.s.stops[id]
		if !ok || st.RouteID != routeID || st.DeletedAt != nil {
			return fmt.Errorf("store.Memory.WriteSequences: stop %d: %w", id, ErrNotFound)
		}
		pos := positions[id]
		if pos < 1 {
			return fmt.Errorf("store.Memory.WriteSequences: sequence %d must be positive", pos)
		}
		for _, other := range t.s.stops {
			if other.ID != id && other.RouteID == routeID && other.DeletedAt == nil && other.Sequence == pos {
				return fmt.Errorf("store.Memory.WriteSequences: route %d position %d: %w", routeID, pos, ErrConflict)
			}
		}
		st.Sequence = pos
		st.UpdatedAt = now
		t.s.stops[id] = st
	}
	return nil
}
