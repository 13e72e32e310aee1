package planner

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fleetplan/internal/store"
)

// Error kinds returned by Service. Callers tell them apart with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrPrecondition = errors.New("precondition failed")
	ErrInfeasible   = errors.New("unable to produce a feasible plan")
	ErrTransaction  = errors.New("transaction failed")
)

const (
	reasonOfficeLocation = "office must have valid lat/lng"
	reasonNoVehicles     = "no vehicles available for office"
	reasonNoTasks        = "no eligible tasks for office"
	reasonInvalidTasks   = "tasks must have lat/lng and positive load units"
	reasonRouteRefs      = "route office or vehicle unavailable"
	reasonStopsChanged   = "route stops changed during recalculation"
	reasonTasksTaken     = "tasks were planned onto another route meanwhile"
)

// PreconditionError carries the input problem and, when tasks are at fault,
// which ones.
type PreconditionError struct {
	Reason  string
	TaskIDs []uuid.UUID
	Err     error // underlying cause, if any
}

func (e *PreconditionError) Error() string {
	if len(e.TaskIDs) > 0 {
		return fmt.Sprintf("%s (%d tasks)", e.Reason, len(e.TaskIDs))
	}
	return e.Reason
}

func (e *PreconditionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPrecondition, e.Err}
	}
	return []error{ErrPrecondition}
}

func precondition(reason string, taskIDs ...uuid.UUID) error {
	return &PreconditionError{Reason: reason, TaskIDs: taskIDs}
}

// txFailure wraps an error that aborted a transaction. Errors that already
// carry a planner kind pass through unchanged; a row that vanished mid
// transaction is reported as not found.
func txFailure(op string, err error) error {
	switch {
	case errors.Is(err, ErrPrecondition) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInfeasible):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("planner.%s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("planner.%s: %w: %w", op, ErrTransaction, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPrecondition):
		return "precondition"
	case errors.Is(err, ErrInfeasible):
		return "infeasible"
	case errors.Is(err, ErrTransaction):
		return "transaction"
	default:
		return "error"
	}
}
