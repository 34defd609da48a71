package executor

import (
	"errors"
	"fmt"
)

var (
	ErrStopped   = errors.New("executor stopped")
	ErrQueueFull = errors.New("executor queue full")
)

// Fatal marks a run error as not worth retrying (bad command, missing
// workspace). Other errors are reported as retryable.
//
//	return Result{}, executor.Fatal(fmt.Errorf("start agent: %w", err))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is wrapped with Fatal.
func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }
