package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the response pipeline. CLI entry points map
// ErrUnknownEventKind, ErrInvalidState and PersistenceError to a non-zero
// exit; everything else is reported but not treated as a CLI failure.
var (
	// ErrUnknownEventKind is returned when an event kind is not in the
	// recognized (built-in or configured) set.
	ErrUnknownEventKind = errors.New("unknown event kind")

	// ErrNotFound is returned when a record id does not exist in the store.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidState is returned when a status transition is requested from
	// a state that does not allow it, including verifying a non-pending
	// action or verifying the same action twice.
	ErrInvalidState = errors.New("invalid action state")

	// ErrUnknownPlaybook is returned when a RunPlaybook action names a
	// playbook absent from the configured registry.
	ErrUnknownPlaybook = errors.New("unknown playbook")
)

// PersistenceError wraps a store failure. A submission that hits one leaves no
// partial event behind.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ExecutionError wraps a collaborator failure during action execution. It is
// recorded on the failing action and never aborts sibling actions.
type ExecutionError struct {
	Kind ActionKind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
