package dandori

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownEntity is returned when an operation references a stale or
	// never-allocated entity handle.
	ErrUnknownEntity = errors.New("dandori: unknown entity")
	// ErrKindSetMismatch is returned when a row's components disagree with the
	// archetype shape they are pushed into.
	ErrKindSetMismatch = errors.New("dandori: kind set mismatch")
	// ErrDuplicateComponent is returned when the same component type is
	// registered twice on one world.
	ErrDuplicateComponent = errors.New("dandori: component already registered")
	// ErrDuplicateResource is returned when the same resource type is
	// registered twice on one world.
	ErrDuplicateResource = errors.New("dandori: resource already registered")
	// ErrUnregisteredComponent is returned when a value's type has no
	// registered component kind on the world.
	ErrUnregisteredComponent = errors.New("dandori: component type not registered")
	// ErrUnknownResource is returned when a resource ID has no registered value.
	ErrUnknownResource = errors.New("dandori: resource not registered")
	// ErrUnknownSystem is returned when an explicit ordering constraint names
	// a system that was never added.
	ErrUnknownSystem = errors.New("dandori: unknown system in ordering constraint")
)

// CycleError is returned when the system set cannot be ordered because
// explicit constraints form a loop. Systems lists the names on the cycle in
// traversal order.
type CycleError struct {
	Systems []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dandori: cyclic schedule: %s", strings.Join(e.Systems, " -> "))
}

// SystemError wraps the failure value reported by a system during a tick.
type SystemError struct {
	System string
	Err    error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("dandori: system %q failed: %v", e.System, e.Err)
}

func (e *SystemError) Unwrap() error {
	return e.Err
}

// accessConflict panics with a description of an illegal concurrent borrow.
// A conflict here means the graph failed to serialize two conflicting systems
// or a column was borrowed out of band, so the invariant is already broken
// and the process must not continue.
func accessConflict(what string) {
	panic(fmt.Sprintf("dandori: access conflict on %s (graph invariant violated)", what))
}
