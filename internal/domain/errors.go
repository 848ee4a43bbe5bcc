package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNotActive = errors.New("task not active")
)

// NotFoundError names the unknown entity passed to an operation.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError reports bad or missing input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// InvocationError wraps a failed tool, planner or LLM call.
type InvocationError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *InvocationError) Error() string {
	msg := "invocation failed"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Tool == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Tool, msg)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// RevertError names the change whose undo failed.
type RevertError struct {
	ChangeID string
	Path     string
	Err      error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("revert change %s (%s): %v", e.ChangeID, e.Path, e.Err)
}

func (e *RevertError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
