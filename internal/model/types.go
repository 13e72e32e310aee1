package model

import (
	"time"

	"github.com/google/uuid"
)

// Core planning domain types. Every entity carries a surrogate ID used for
// joins and a public UUID exposed over the API.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies inside the WGS84 ranges.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskScheduled  TaskStatus = "scheduled"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Plannable reports whether a task in this status may be assigned to a route.
func (s TaskStatus) Plannable() bool {
	return s == TaskPending || s == TaskScheduled
}

type RouteStatus string

const (
	RouteDraft      RouteStatus = "draft"
	RoutePlanned    RouteStatus = "planned"
	RouteInProgress RouteStatus = "in_progress"
	RouteCompleted  RouteStatus = "completed"
	RouteCancelled  RouteStatus = "cancelled"
)

type StopStatus string

const (
	StopPending   StopStatus = "pending"
	StopArrived   StopStatus = "arrived"
	StopCompleted StopStatus = "completed"
	StopSkipped   StopStatus = "skipped"
	StopFailed    StopStatus = "failed"
)

type Office struct {
	ID        int64      `json:"-"`
	UUID      uuid.UUID  `json:"id"`
	TenantID  string     `json:"tenantId,omitempty"`
	Name      string     `json:"name"`
	Address   string     `json:"address,omitempty"`
	Location  *GeoPoint  `json:"location"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"-"`
}

type Vehicle struct {
	ID          int64      `json:"-"`
	UUID        uuid.UUID  `json:"id"`
	OfficeID    int64      `json:"-"`
	TenantID    string     `json:"tenantId,omitempty"`
	Name        string     `json:"name"`
	Plate       string     `json:"plate,omitempty"`
	MaxCapacity int        `json:"maxCapacity"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"-"`
}

type Task struct {
	ID        int64      `json:"-"`
	UUID      uuid.UUID  `json:"id"`
	OfficeID  int64      `json:"-"`
	TenantID  string     `json:"tenantId,omitempty"`
	Type      string     `json:"type"`
	Status    TaskStatus `json:"status"`
	Address   string     `json:"address,omitempty"`
	Location  *GeoPoint  `json:"location"`
	LoadUnits int        `json:"loadUnits"`
	Priority  int        `json:"priority,omitempty"`
	Reference string     `json:"reference,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"-"`
}

// Plannable reports whether the task carries what the solver needs.
func (t Task) Plannable() bool {
	return t.Location != nil && t.Location.Valid() && t.LoadUnits > 0
}

type Route struct {
	ID             int64       `json:"-"`
	UUID           uuid.UUID   `json:"id"`
	TenantID       string      `json:"tenantId,omitempty"`
	OfficeID       int64       `json:"-"`
	VehicleID      int64       `json:"-"`
	ServiceDate    time.Time   `json:"serviceDate"`
	Status         RouteStatus `json:"status"`
	TotalTasks     int         `json:"totalTasks"`
	TotalLoad      int         `json:"totalLoad"`
	TotalDistanceM int         `json:"totalDistanceM"`
	TotalDurationS int         `json:"totalDurationS"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	DeletedAt      *time.Time  `json:"-"`
}

// RouteTotals are the derived aggregates of a route. Distance is nil when an
// update must leave the stored distance untouched.
type RouteTotals struct {
	TotalTasks     int
	TotalLoad      int
	TotalDistanceM *int
}

type RouteStop struct {
	ID                 int64      `json:"-"`
	UUID               uuid.UUID  `json:"id"`
	RouteID            int64      `json:"-"`
	TaskID             int64      `json:"-"`
	Sequence           int        `json:"sequence"`
	Status             StopStatus `json:"status"`
	PlannedArrivalAt   *time.Time `json:"plannedArrivalAt,omitempty"`
	PlannedDepartureAt *time.Time `json:"plannedDepartureAt,omitempty"`
	ActualArrivalAt    *time.Time `json:"actualArrivalAt,omitempty"`
	ActualDepartureAt  *time.Time `json:"actualDepartureAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	DeletedAt          *time.Time `json:"-"`
}

// StopDetail is an active stop joined with the task it visits.
type StopDetail struct {
	StopID     int64      `json:"-"`
	StopUUID   uuid.UUID  `json:"stopId"`
	TaskUUID   uuid.UUID  `json:"taskId"`
	Sequence   int        `json:"sequence"`
	Status     StopStatus `json:"status"`
	TaskType   string     `json:"type"`
	TaskStatus TaskStatus `json:"taskStatus"`
	Address    string     `json:"address,omitempty"`
	Location   *GeoPoint  `json:"location"`
	LoadUnits  int        `json:"loadUnits"`
}

// RouteSummary is one row of the planning list.
type RouteSummary struct {
	UUID           uuid.UUID   `json:"id"`
	VehicleUUID    uuid.UUID   `json:"vehicleId"`
	VehicleName    string      `json:"vehicleName"`
	ServiceDate    time.Time   `json:"serviceDate"`
	Status         RouteStatus `json:"status"`
	TotalTasks     int         `json:"totalTasks"`
	TotalLoad      int         `json:"totalLoad"`
	TotalDistanceM int         `json:"totalDistanceM"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// RouteDetail is the read model for a single route.
type RouteDetail struct {
	Route   Route        `json:"route"`
	Office  Office       `json:"office"`
	Vehicle Vehicle      `json:"vehicle"`
	Stops   []StopDetail `json:"stops"`
}

// ServiceDay normalises a timestamp to the UTC calendar day it names.
func ServiceDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether two service dates fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	return ServiceDay(a).Equal(ServiceDay(b))
}
