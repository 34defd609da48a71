package task

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("task not found")
)

// ValidationError rejects a malformed submission; nothing is stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidTransitionError is returned when a task is not in a state that
// permits the requested change (double dispatch, duplicate completion).
type InvalidTransitionError struct {
	TaskID int64
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %d: %s %s -> %s", e.TaskID, ErrInvalidTransition, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

func notFound(id int64) error { return fmt.Errorf("%w: %d", ErrNotFound, id) }
