package manager

import "errors"

var (
	// ErrQueueStopped is returned when enqueueing into a stopped queue.
	ErrQueueStopped = errors.New("sync task queue stopped")

	// ErrDuplicatePlan is returned when loading a plan whose queue already exists.
	ErrDuplicatePlan = errors.New("sync plan already loaded")

	// ErrTaskNotFound is returned for operations on an unknown, already
	// running, or terminal task id.
	ErrTaskNotFound = errors.New("sync task not found")

	// ErrPlanNotFound is returned for operations naming an unknown plan.
	ErrPlanNotFound = errors.New("sync plan not found")

	// ErrNotSending is returned by controls that require an active dispatch loop.
	ErrNotSending = errors.New("task manager is not sending")

	// ErrShuttingDown is returned when an operation races a shutdown.
	ErrShuttingDown = errors.New("task manager shutting down")
)
