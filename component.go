// Package dandori implements an archetype-based Entity Component System core
// with a conflict-aware parallel system scheduler.
//
// Features:
// - Archetype-based columnar storage with max 256 component kinds per world.
// - Bitmask kind-sets for fast archetype lookup and access-conflict checks.
// - Generational entity handles with free-list recycling.
// - Declarative system descriptors compiled into a dependency graph.
// - Parallel tick execution with deterministic dispatch and command buffering.
package dandori

import (
	"fmt"
	"reflect"
	"unsafe"
)

const (
	// MaxComponentTypes defines the maximum number of unique component kinds
	// that can be registered in a World. This value is fixed at 256.
	MaxComponentTypes = 256
	// MaxResourceTypes bounds the number of resource kinds per world.
	MaxResourceTypes = 256
)

// ComponentID is a world-scoped identifier for a registered component kind.
// IDs are assigned densely at registration and are stable for the world's
// lifetime.
type ComponentID uint8

// componentMeta carries the layout and accessor metadata recorded for a
// registered component kind.
type componentMeta struct {
	typ       reflect.Type
	name      string
	drop      func(unsafe.Pointer) // invoked on every destroyed cell, may be nil
	size      uintptr
	align     uintptr
	id        ComponentID
	hasPtr    bool // type contains pointers; columns must stay GC-visible
	shareable bool // safe to touch from worker goroutines
}

// componentRegistry assigns and resolves component kind IDs for one world.
// Kind IDs are per-world, never process-global, so two worlds can register
// the same types in different orders without aliasing.
type componentRegistry struct {
	compTypeMap map[reflect.Type]ComponentID
	metas       [MaxComponentTypes]componentMeta
	next        uint16
}

// RegisterComponent registers the component type T on the world and returns
// its kind ID. Registering the same type twice returns ErrDuplicateComponent.
// It panics if the maximum number of component kinds is exceeded.
//
// Registration must happen before ticks run; the registry is not synchronized
// against concurrent system execution.
func RegisterComponent[T any](w *World) (ComponentID, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if _, ok := w.components.compTypeMap[t]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateComponent, t)
	}
	if w.components.next >= MaxComponentTypes {
		panic(fmt.Sprintf("dandori: cannot register component %s: maximum number of component kinds (%d) reached", t, MaxComponentTypes))
	}
	id := ComponentID(w.components.next)
	w.components.compTypeMap[t] = id
	w.components.metas[id] = componentMeta{
		typ:       t,
		name:      t.Name(),
		size:      t.Size(),
		align:     uintptr(t.Align()),
		id:        id,
		hasPtr:    typeHasPointers(t),
		shareable: true,
	}
	w.components.next++
	return id, nil
}

// MustRegisterComponent is RegisterComponent that panics on error.
func MustRegisterComponent[T any](w *World) ComponentID {
	id, err := RegisterComponent[T](w)
	if err != nil {
		panic(err)
	}
	return id
}

// RegisterComponentDrop attaches a drop function to the kind of T. The
// function runs for every destroyed cell of that kind: despawn, component
// removal, and ClearEntities. The pointer is only valid for the duration of
// the call.
func RegisterComponentDrop[T any](w *World, fn func(*T)) error {
	id, ok := ComponentIDOf[T](w)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredComponent, reflect.TypeOf((*T)(nil)).Elem())
	}
	w.components.metas[id].drop = func(p unsafe.Pointer) {
		fn((*T)(p))
	}
	return nil
}

// MarkComponentLocal flags the kind of T as not safe to share with worker
// goroutines. Systems declaring access to a local kind are promoted to
// exclusive and run alone on the coordinator.
func MarkComponentLocal[T any](w *World) error {
	id, ok := ComponentIDOf[T](w)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredComponent, reflect.TypeOf((*T)(nil)).Elem())
	}
	w.components.metas[id].shareable = false
	return nil
}

// ComponentIDOf returns the kind ID for T and whether it has been registered.
func ComponentIDOf[T any](w *World) (ComponentID, bool) {
	id, ok := w.components.compTypeMap[reflect.TypeOf((*T)(nil)).Elem()]
	return id, ok
}

// lookupID resolves the kind ID of a runtime value's type.
func (r *componentRegistry) lookupID(t reflect.Type) (ComponentID, bool) {
	id, ok := r.compTypeMap[t]
	return id, ok
}

// meta returns the metadata record for a kind ID.
func (r *componentRegistry) meta(id ComponentID) *componentMeta {
	return &r.metas[id]
}

// KindName returns the debug name recorded for a kind ID.
func (w *World) KindName(id ComponentID) string {
	return w.components.metas[id].name
}

// typeHasPointers reports whether values of t contain pointers the GC must
// scan. Pointer-free kinds can be moved with raw byte copies.
func typeHasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return typeHasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if typeHasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
