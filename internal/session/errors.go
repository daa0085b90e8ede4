package session

import (
	"errors"
	"fmt"

	"github.com/ashureev/realitycheck-coach/internal/domain"
)

var (
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = errors.New("session not found")

	// ErrStepNotFound is returned when a step id is unknown within a known
	// session. It matches ErrNotFound with errors.Is.
	ErrStepNotFound error = stepNotFoundError{}

	// ErrBadRequest is returned when a required input is missing or unusable.
	ErrBadRequest = errors.New("bad request")

	// ErrInvalidTransition is returned when an operation does not apply to
	// the session's current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrSuperseded is returned when the session changed while gateway calls
	// were in flight and the result was discarded.
	ErrSuperseded = errors.New("superseded by a newer request")
)

type stepNotFoundError struct{}

func (stepNotFoundError) Error() string { return "step not found" }

func (stepNotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransitionError describes a rejected state transition.
type TransitionError struct {
	Op     string
	Status domain.Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s in status %s: %s", e.Op, e.Status, e.Reason)
}

// Is reports whether the target is ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
