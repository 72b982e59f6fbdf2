package alert

import (
	"errors"
	"fmt"
)

// Expected business outcomes. Callers match them with errors.Is.
var (
	ErrNotFound              = errors.New("not found")
	ErrValidation            = errors.New("validation failed")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrEscalationUnavailable = errors.New("escalation unavailable")
	ErrConflict              = errors.New("concurrent modification")
)

// ValidationError describes a missing or unacceptable input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransitionError reports a command that is not permitted from the alert's
// current state.
type TransitionError struct {
	From   State
	Action ActionType
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot apply %s to alert in state %s", e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
