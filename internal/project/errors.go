package project

import (
	"errors"
	"fmt"
)

var (
	ErrProjectTrashed = errors.New("project is trashed")
	ErrNotFound       = errors.New("project not found")
	ErrValidation     = errors.New("invalid project name")
)

// TrashedError rejects new work for a trashed project. Restore it first.
type TrashedError struct {
	ProjectID string
}

func (e *TrashedError) Error() string {
	return fmt.Sprintf("%s: %s (restore it first)", ErrProjectTrashed, e.ProjectID)
}

func (e *TrashedError) Unwrap() error { return ErrProjectTrashed }
