// Package tasksvc implements the task lifecycle operations workers and the
// board API drive: create, list, cancel, claim, progress, complete, fail.
// It owns ownership checks and the REJECTED/FAILED reinterpretation of
// agent output; it delegates the atomic claim/transition primitives to
// internal/store and routing decisions to internal/automation.
package tasksvc

import "errors"

var (
	// ErrForbidden is returned when the calling worker does not own the
	// task it is trying to mutate.
	ErrForbidden = errors.New("tasksvc: forbidden")
)
