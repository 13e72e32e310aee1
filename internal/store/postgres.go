package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"fleetplan/internal/model"
	"fleetplan/migrations"
)

// db is satisfied by *pgxpool.Pool and pgx.Tx so reads can run inside or
// outside a transaction.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store.NewPostgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store.NewPostgres: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool, e.g. one opened by testutil.
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Migrate applies every pending embedded migration.
func (p *Postgres) Migrate(ctx context.Context) error {
	sqlDB := stdlib.OpenDBFromPool(p.pool)
	defer sqlDB.Close()
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, migrations.FS)
	if err != nil {
		return fmt.Errorf("store.Postgres.Migrate: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("store.Postgres.Migrate: %w", err)
	}
	return nil
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func point(lat, lng *float64) *model.GeoPoint {
	if lat == nil || lng == nil {
		return nil
	}
	return &model.GeoPoint{Lat: *lat, Lng: *lng}
}

func latLng(p *model.GeoPoint) (lat, lng *float64) {
	if p == nil {
		return nil, nil
	}
	return &p.Lat, &p.Lng
}

const officeCols = `id, uuid, COALESCE(tenant_id, ''), name, address, lat, lng, created_at`

func scanOffice(row scanner) (model.Office, error) {
	var (
		o        model.Office
		lat, lng *float64
	)
	if err := row.Scan(&o.ID, &o.UUID, &o.TenantID, &o.Name, &o.Address, &lat, &lng, &o.CreatedAt); err != nil {
		return model.Office{}, mapErr(err)
	}
	o.Location = point(lat, lng)
	return o, nil
}

const vehicleCols = `id, uuid, office_id, COALESCE(tenant_id, ''), name, plate, max_capacity, created_at`

func scanVehicle(row scanner) (model.Vehicle, error) {
	var v model.Vehicle
	if err := row.Scan(&v.ID, &v.UUID, &v.OfficeID, &v.TenantID, &v.Name, &v.Plate, &v.MaxCapacity, &v.CreatedAt); err != nil {
		return model.Vehicle{}, mapErr(err)
	}
	return v, nil
}

const taskCols = `id, uuid, office_id, COALESCE(tenant_id, ''), type, status, address, lat, lng, load_units, priority, reference, created_at`

func scanTask(row scanner) (model.Task, error) {
	var (
		t        model.Task
		lat, lng *float64
	)
	if err := row.Scan(&t.ID, &t.UUID, &t.OfficeID, &t.TenantID, &t.Type, &t.Status, &t.Address, &lat, &lng, &t.LoadUnits, &t.Priority, &t.Reference, &t.CreatedAt); err != nil {
		return model.Task{}, mapErr(err)
	}
	t.Location = point(lat, lng)
	return t, nil
}

const routeCols = `id, uuid, COALESCE(tenant_id, ''), office_id, vehicle_id, service_date, status,
	total_tasks, total_load, total_distance_m, total_duration_s, created_at, updated_at`

func scanRoute(row scanner) (model.Route, error) {
	var r model.Route
	if err := row.Scan(&r.ID, &r.UUID, &r.TenantID, &r.OfficeID, &r.VehicleID, &r.ServiceDate, &r.Status,
		&r.TotalTasks, &r.TotalLoad, &r.TotalDistanceM, &r.TotalDurationS, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.Route{}, mapErr(err)
	}
	return r, nil
}

func (p *Postgres) GetOfficeByID(ctx context.Context, id int64) (model.Office, error) {
	const q = `SELECT ` + officeCols + ` FROM offices WHERE id = @id AND deleted_at IS NULL`
	o, err := scanOffice(p.pool.QueryRow(ctx, q, pgx.NamedArgs{"id": id}))
	if err != nil {
		return model.Office{}, fmt.Errorf("store.Postgres.GetOfficeByID: %w", err)
	}
	return o, nil
}

func (p *Postgres) GetOfficeByPublicID(ctx context.Context, id uuid.UUID) (model.Office, error) {
	const q = `SELECT ` + officeCols + ` FROM offices WHERE uuid = @uuid AND deleted_at IS NULL`
	o, err := scanOffice(p.pool.QueryRow(ctx, q, pgx.NamedArgs{"uuid": id}))
	if err != nil {
		return model.Office{}, fmt.Errorf("store.Postgres.GetOfficeByPublicID: %w", err)
	}
	return o, nil
}

func (p *Postgres) GetVehicleByID(ctx context.Context, id int64) (model.Vehicle, error) {
	const q = `SELECT ` + vehicleCols + ` FROM vehicles WHERE id = @id AND deleted_at IS NULL`
	v, err := scanVehicle(p.pool.QueryRow(ctx, q, pgx.NamedArgs{"id": id}))
	if err != nil {
		return model.Vehicle{}, fmt.Errorf("store.Postgres.GetVehicleByID: %w", err)
	}
	return v, nil
}

func (p *Postgres) ListActiveVehicles(ctx context.Context, office model.Office) ([]model.Vehicle, error) {
	const q = `
		SELECT ` + vehicleCols + `
		FROM vehicles
		WHERE office_id = @office_id
		  AND deleted_at IS NULL
		  AND (@tenant_id::text = '' OR tenant_id = @tenant_id::text)
		ORDER BY id`
	rows, err := p.pool.Query(ctx, q, pgx.NamedArgs{"office_id": office.ID, "tenant_id": office.TenantID})
	if err != nil {
		return nil, fmt.Errorf("store.Postgres.ListActiveVehicles: %w", err)
	}
	defer rows.Close()
	var out []model.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("store.Postgres.ListActiveVehicles: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.Postgres.ListActiveVehicles: %w", err)
	}
	return out, nil
}

func (p *Postgres) ListEligibleTasks(ctx context.Context, office model.Office) ([]model.Task, error) {
	return listEligibleTasks(ctx, p.pool, office)
}

func listEligibleTasks(ctx context.Context, q db, office model.Office) ([]model.Task, error) {
	const sql = `
		SELECT ` + taskCols + `
		FROM tasks t
		WHERE t.office_id = @office_id
		  AND t.deleted_at IS NULL
		  AND t.status IN ('pending', 'scheduled')
		  AND (@tenant_id::text = '' OR t.tenant_id = @tenant_id::text)
		  AND NOT EXISTS (
		      SELECT 1 FROM route_stops s
		      JOIN routes r ON r.id = s.route_id
		      WHERE s.task_id = t.id AND s.deleted_at IS NULL AND r.deleted_at IS NULL)
		ORDER BY t.created_at, t.id`
	rows, err := q.Query(ctx, sql, pgx.NamedArgs{"office_id": office.ID, "tenant_id": office.TenantID})
	if err != nil {
		return nil, fmt.Errorf("store.listEligibleTasks: %w", err)
	}
	defer rows.Close()
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store.listEligibleTasks: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.listEligibleTasks: %w", err)
	}
	return out, nil
}

func (p *Postgres) GetRouteByPublicID(ctx context.Context, id uuid.UUID) (model.Route, error) {
	const q = `SELECT ` + routeCols + ` FROM routes WHERE uuid = @uuid AND deleted_at IS NULL`
	r, err := scanRoute(p.pool.QueryRow(ctx, q, pgx.NamedArgs{"uuid": id}))
	if err != nil {
		return model.Route{}, fmt.Errorf("store.Postgres.GetRouteByPublicID: %w", err)
	}
	return r, nil
}

func (p *Postgres) ListRouteStops(ctx context.Context, routeID int64) ([]model.StopDetail, error) {
	return listRouteStops(ctx, p.pool, routeID)
}

func (p *Postgres) ListRoutes(ctx context.Context, officeID int64, serviceDate time.Time) ([]model.RouteSummary, error) {
	return listRoutes(ctx, p.pool, officeID, serviceDate)
}

func listRouteStops(ctx context.Context, q db, routeID int64) ([]model.StopDetail, error) {
	const sql = `
		SELECT s.id, s.uuid, t.uuid, s.sequence, s.status, t.type, t.status, t.address, t.lat, t.lng, t.load_units
		FROM route_stops s
		JOIN tasks t ON t.id = s.task_id
		WHERE s.route_id = @route_id AND s.deleted_at IS NULL AND t.deleted_at IS NULL
		ORDER BY s.sequence`
	rows, err := q.Query(ctx, sql, pgx.NamedArgs{"route_id": routeID})
	if err != nil {
		return nil, fmt.Errorf("store.listRouteStops: %w", err)
	}
	defer rows.Close()
	var out []model.StopDetail
	for rows.Next() {
		var (
			d        model.StopDetail
			lat, lng *float64
		)
		if err := rows.Scan(&d.StopID, &d.StopUUID, &d.TaskUUID, &d.Sequence, &d.Status, &d.TaskType, &d.TaskStatus, &d.Address, &lat, &lng, &d.LoadUnits); err != nil {
			return nil, fmt.Errorf("store.listRouteStops: %w", err)
		}
		d.Location = point(lat, lng)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.listRouteStops: %w", err)
	}
	return out, nil
}

func listRoutes(ctx context.Context, q db, officeID int64, serviceDate time.Time) ([]model.RouteSummary, error) {
	const sql = `
		SELECT r.uuid, v.uuid, v.name, r.service_date, r.status, r.total_tasks, r.total_load, r.total_distance_m, r.created_at
		FROM routes r
		JOIN vehicles v ON v.id = r.vehicle_id
		WHERE r.office_id = @office_id AND r.service_date = @service_date AND r.deleted_at IS NULL
		ORDER BY r.created_at, r.id`
	rows, err := q.Query(ctx, sql, pgx.NamedArgs{"office_id": officeID, "service_date": model.ServiceDay(serviceDate)})
	if err != nil {
		return nil, fmt.Errorf("store.listRoutes: %w", err)
	}
	defer rows.Close()
	var out []model.RouteSummary
	for rows.Next() {
		var s model.RouteSummary
		if err := rows.Scan(&s.UUID, &s.VehicleUUID, &s.VehicleName, &s.ServiceDate, &s.Status, &s.TotalTasks, &s.TotalLoad, &s.TotalDistanceM, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("store.listRoutes: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.listRoutes: %w", err)
	}
	return out, nil
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store.Postgres.InTx: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store.Postgres.InTx: commit: %w", mapErr(err))
	}
	return nil
}

// Import upserts a seed fixture in one transaction, keyed by public id.
// Offices and vehicles take every fixture column on conflict. Tasks keep
// their status, which planning and dispatch own once the row exists.
func (p *Postgres) Import(ctx context.Context, seed Seed) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store.Postgres.Import: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, so := range seed.Offices {
		o, err := so.office()
		if err != nil {
			return fmt.Errorf("store.Postgres.Import: %w", err)
		}
		lat, lng := latLng(o.Location)
		var officeID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO offices (uuid, tenant_id, name, address, lat, lng)
			VALUES (@uuid, NULLIF(@tenant_id, ''), @name, @address, @lat, @lng)
			ON CONFLICT (uuid) DO UPDATE
			SET tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name, address = EXCLUDED.address,
			    lat = EXCLUDED.lat, lng = EXCLUDED.lng
			RETURNING id`,
			pgx.NamedArgs{"uuid": o.UUID, "tenant_id": o.TenantID, "name": o.Name, "address": o.Address, "lat": lat, "lng": lng},
		).Scan(&officeID)
		if err != nil {
			return fmt.Errorf("store.Postgres.Import: office %q: %w", o.Name, mapErr(err))
		}
		for _, sv := range so.Vehicles {
			v, err := sv.vehicle()
			if err != nil {
				return fmt.Errorf("store.Postgres.Import: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO vehicles (uuid, office_id, tenant_id, name, plate, max_capacity)
				VALUES (@uuid, @office_id, NULLIF(@tenant_id, ''), @name, @plate, @max_capacity)
				ON CONFLICT (uuid) DO UPDATE
				SET office_id = EXCLUDED.office_id, tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name,
				    plate = EXCLUDED.plate, max_capacity = EXCLUDED.max_capacity`,
				pgx.NamedArgs{"uuid": v.UUID, "office_id": officeID, "tenant_id": o.TenantID, "name": v.Name, "plate": v.Plate, "max_capacity": v.MaxCapacity},
			); err != nil {
				return fmt.Errorf("store.Postgres.Import: vehicle %q: %w", v.Name, mapErr(err))
			}
		}
		for _, st := range so.Tasks {
			t, err := st.task(o.TenantID)
			if err != nil {
				return fmt.Errorf("store.Postgres.Import: %w", err)
			}
			lat, lng := latLng(t.Location)
			if _, err := tx.Exec(ctx, `
				INSERT INTO tasks (uuid, office_id, tenant_id, type, status, address, lat, lng, load_units, priority, reference)
				VALUES (@uuid, @office_id, NULLIF(@tenant_id, ''), @type, @status, @address, @lat, @lng, @load_units, @priority, @reference)
				ON CONFLICT (uuid) DO UPDATE
				SET office_id = EXCLUDED.office_id, tenant_id = EXCLUDED.tenant_id, type = EXCLUDED.type,
				    address = EXCLUDED.address, lat = EXCLUDED.lat, lng = EXCLUDED.lng,
				    load_units = EXCLUDED.load_units, priority = EXCLUDED.priority, reference = EXCLUDED.reference`,
				pgx.NamedArgs{
					"uuid": t.UUID, "office_id": officeID, "tenant_id": t.TenantID, "type": t.Type,
					"status": string(t.Status), "address": t.Address, "lat": lat, "lng": lng,
					"load_units": t.LoadUnits, "priority": t.Priority, "reference": t.Reference,
				},
			); err != nil {
				return fmt.Errorf("store.Postgres.Import: task %s: %w", t.UUID, mapErr(err))
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store.Postgres.Import: commit: %w", err)
	}
	return nil
}

type pgTx struct {
	q pgx.Tx
}

func (t *pgTx) Lock(ctx context.Context, key string) error {
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext(@key))`, pgx.NamedArgs{"key": key}); err != nil {
		return fmt.Errorf("store.Postgres.Lock: %w", err)
	}
	return nil
}

func (t *pgTx) ListRoutes(ctx context.Context, officeID int64, serviceDate time.Time) ([]model.RouteSummary, error) {
	return listRoutes(ctx, t.q, officeID, serviceDate)
}

func (t *pgTx) ListRouteStops(ctx context.Context, routeID int64) ([]model.StopDetail, error) {
	return listRouteStops(ctx, t.q, routeID)
}

func (t *pgTx) ListEligibleTasks(ctx context.Context, office model.Office) ([]model.Task, error) {
	return listEligibleTasks(ctx, t.q, office)
}

func (t *pgTx) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
	const q = `
		INSERT INTO routes (uuid, tenant_id, office_id, vehicle_id, service_date, status,
		                    total_tasks, total_load, total_distance_m, total_duration_s)
		VALUES (@uuid, NULLIF(@tenant_id, ''), @office_id, @vehicle_id, @service_date, @status,
		        @total_tasks, @total_load, @total_distance_m, @total_duration_s)
		RETURNING ` + routeCols
	if r.UUID == uuid.Nil {
		r.UUID = uuid.New()
	}
	args := pgx.NamedArgs{
		"uuid":             r.UUID,
		"tenant_id":        r.TenantID,
		"office_id":        r.OfficeID,
		"vehicle_id":       r.VehicleID,
		"service_date":     model.ServiceDay(r.ServiceDate),
		"status":           string(r.Status),
		"total_tasks":      r.TotalTasks,
		"total_load":       r.TotalLoad,
		"total_distance_m": r.TotalDistanceM,
		"total_duration_s": r.TotalDurationS,
	}
	out, err := scanRoute(t.q.QueryRow(ctx, q, args))
	if err != nil {
		return model.Route{}, fmt.Errorf("store.Postgres.CreateRoute: %w", err)
	}
	return out, nil
}

// CreateRouteStop inserts nothing when the task already has a live stop on
// another live route, and reports ErrConflict.
func (t *pgTx) CreateRouteStop(ctx context.Context, s model.RouteStop) (model.RouteStop, error) {
	const q = `
		INSERT INTO route_stops (uuid, route_id, task_id, sequence, status)
		SELECT @uuid::uuid, @route_id::bigint, @task_id::bigint, @sequence::integer, @status::text
		WHERE NOT EXISTS (
		    SELECT 1 FROM route_stops o
		    JOIN routes r ON r.id = o.route_id
		    WHERE o.task_id = @task_id AND o.route_id <> @route_id
		      AND o.deleted_at IS NULL AND r.deleted_at IS NULL)
		RETURNING id, created_at, updated_at`
	if s.UUID == uuid.Nil {
		s.UUID = uuid.New()
	}
	if s.Status == "" {
		s.Status = model.StopPending
	}
	args := pgx.NamedArgs{"uuid": s.UUID, "route_id": s.RouteID, "task_id": s.TaskID, "sequence": s.Sequence, "status": string(s.Status)}
	err := t.q.QueryRow(ctx, q, args).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RouteStop{}, fmt.Errorf("store.Postgres.CreateRouteStop: task %d already routed: %w", s.TaskID, ErrConflict)
	}
	if err != nil {
		return model.RouteStop{}, fmt.Errorf("store.Postgres.CreateRouteStop: %w", mapErr(err))
	}
	return s, nil
}

func (t *pgTx) UpdateRouteTotals(ctx context.Context, routeID int64, totals model.RouteTotals, at time.Time) error {
	const q = `
		UPDATE routes
		SET total_tasks = @total_tasks,
		    total_load = @total_load,
		    total_distance_m = COALESCE(@total_distance_m, total_distance_m),
		    updated_at = @at
		WHERE id = @id AND deleted_at IS NULL`
	args := pgx.NamedArgs{"id": routeID, "total_tasks": totals.TotalTasks, "total_load": totals.TotalLoad, "total_distance_m": totals.TotalDistanceM, "at": at}
	tag, err := t.q.Exec(ctx, q, args)
	if err != nil {
		return fmt.Errorf("store.Postgres.UpdateRouteTotals: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store.Postgres.UpdateRouteTotals: route %d: %w", routeID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) SoftDeleteRouteStop(ctx context.Context, stopID int64, at time.Time) error {
	const q = `UPDATE route_stops SET deleted_at = @at, updated_at = @at WHERE id = @id AND deleted_at IS NULL`
	tag, err := t.q.Exec(ctx, q, pgx.NamedArgs{"id": stopID, "at": at})
	if err != nil {
		return fmt.Errorf("store.Postgres.SoftDeleteRouteStop: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store.Postgres.SoftDeleteRouteStop: stop %d: %w", stopID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) DetachDeletedTasks(ctx context.Context, routeID int64, at time.Time) error {
	const q = `
		UPDATE route_stops AS s
		SET deleted_at = @at, updated_at = @at
		FROM tasks t
		WHERE t.id = s.task_id AND s.route_id = @route_id
		  AND s.deleted_at IS NULL AND t.deleted_at IS NOT NULL`
	if _, err := t.q.Exec(ctx, q, pgx.NamedArgs{"route_id": routeID, "at": at}); err != nil {
		return fmt.Errorf("store.Postgres.DetachDeletedTasks: %w", err)
	}
	return nil
}

// WriteSequences updates every listed stop in one statement. The unique
// index is checked per row, so callers must hand in positions that are
// disjoint from every live one they are not replacing.
func (t *pgTx) WriteSequences(ctx context.Context, routeID int64, positions map[int64]int) error {
	if len(positions) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(positions))
	seqs := make([]int32, 0, len(positions))
	for id, pos := range positions {
		ids = append(ids, id)
		seqs = append(seqs, int32(pos))
	}
	const q = `
		UPDATE route_stops AS s
		SET sequence = v.seq, updated_at = now()
		FROM unnest(@ids::bigint[], @seqs::integer[]) AS v(id, seq)
		WHERE s.id = v.id AND s.route_id = @route_id AND s.deleted_at IS NULL`
	tag, err := t.q.Exec(ctx, q, pgx.NamedArgs{"ids": ids, "seqs": seqs, "route_id": routeID})
	if err != nil {
		return fmt.Errorf("store.Postgres.WriteSequences: %w", mapErr(err))
	}
	if int(tag.RowsAffected()) != len(positions) {
		return fmt.Errorf("store.Postgres.WriteSequences: route %d: %w", routeID, ErrNotFound)
	}
	return nil
}
