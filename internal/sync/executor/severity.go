package executor

import (
	"errors"
	"fmt"
)

// TaskFatal marks an error as permanent for its task: the task fails
// immediately with no retry.
//
// Example:
//
//	return nil, executor.TaskFatal(fmt.Errorf("bad credentials: %w", err))
func TaskFatal(err error) error {
	if err == nil {
		return nil
	}
	return taskFatalError{err: err}
}

// IsTaskFatal reports whether err is wrapped with TaskFatal.
func IsTaskFatal(err error) bool {
	var e taskFatalError
	return errors.As(err, &e)
}

type taskFatalError struct{ err error }

func (e taskFatalError) Error() string { return fmt.Sprintf("task-fatal: %v", e.err) }
func (e taskFatalError) Unwrap() error { return e.err }

// SystemFatal marks an error as fatal for the whole engine: the executor
// drains and shuts down instead of retrying.
//
// Use it for conditions no retry can fix, like an exhausted disk or a
// revoked API account.
func SystemFatal(err error) error {
	if err == nil {
		return nil
	}
	return systemFatalError{err: err}
}

// IsSystemFatal reports whether err is wrapped with SystemFatal.
func IsSystemFatal(err error) bool {
	var e systemFatalError
	return errors.As(err, &e)
}

type systemFatalError struct{ err error }

func (e systemFatalError) Error() string { return fmt.Sprintf("system-fatal: %v", e.err) }
func (e systemFatalError) Unwrap() error { return e.err }
