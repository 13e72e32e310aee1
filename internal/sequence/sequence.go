// Package sequence rewrites the ordinal positions of a route's stops without
// ever letting two active stops of the route hold the same position.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrSizeMismatch = errors.New("ordered task ids size mismatch")
	ErrSetMismatch  = errors.New("ordered task ids must match route task list")
)

// displacement is added on top of the largest position in play so the
// temporary range never meets a current or final one.
const displacement = 10

// Stop is the part of a route stop the protocol reads.
type Stop struct {
	ID       int64
	TaskID   uuid.UUID
	Sequence int
}

// Writer persists one phase of positions keyed by stop id. A returned nil
// means the whole phase is visible to the next call.
type Writer interface {
	WriteSequences(ctx context.Context, routeID int64, positions map[int64]int) error
}

// ValidatePermutation checks that ordered names exactly the current tasks.
func ValidatePermutation(current, ordered []uuid.UUID) error {
	if len(current) != len(ordered) {
		return fmt.Errorf("%w: want %d, got %d", ErrSizeMismatch, len(current), len(ordered))
	}
	want := make(map[uuid.UUID]bool, len(current))
	for _, id := range current {
		want[id] = true
	}
	seen := make(map[uuid.UUID]bool, len(ordered))
	for _, id := range ordered {
		if !want[id] || seen[id] {
			return fmt.Errorf("%w: unexpected task %s", ErrSetMismatch, id)
		}
		seen[id] = true
	}
	return nil
}

// Offset is the displacement used for the temporary phase.
func Offset(stops []Stop) int {
	high := len(stops)
	for _, s := range stops {
		if s.Sequence > high {
			high = s.Sequence
		}
	}
	return high + displacement
}

// Apply moves stops to the positions given by ordered (1-based) in two
// phases: first every stop is displaced above the live range, then each one
// takes its final position. Both phases go through w, which is expected to
// share the caller's transaction. It returns the final position per task.
func Apply(ctx context.Context, w Writer, routeID int64, stops []Stop, ordered []uuid.UUID) (map[uuid.UUID]int, error) {
	current := make([]uuid.UUID, len(stops))
	for i, s := range stops {
		current[i] = s.TaskID
	}
	if err := ValidatePermutation(current, ordered); err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return map[uuid.UUID]int{}, nil
	}

	desired := make(map[uuid.UUID]int, len(ordered))
	for i, id := range ordered {
		desired[id] = i + 1
	}
	offset := Offset(stops)
	temp := make(map[int64]int, len(stops))
	final := make(map[int64]int, len(stops))
	for _, s := range stops {
		temp[s.ID] = desired[s.TaskID] + offset
		final[s.ID] = desired[s.TaskID]
	}
	if err := w.WriteSequences(ctx, routeID, temp); err != nil {
		return nil, fmt.Errorf("sequence.Apply: displace: %w", err)
	}
	if err := w.WriteSequences(ctx, routeID, final); err != nil {
		return nil, fmt.Errorf("sequence.Apply: finalize: %w", err)
	}
	return desired, nil
}
