package dandori

import (
	"fmt"
	"reflect"
)

// ResourceID is a world-scoped identifier for a registered resource kind.
// Resources are singletons: one value per kind, stored outside archetypes,
// with the same shared/exclusive access rules as component columns.
type ResourceID uint8

// resourceEntry holds one registered singleton.
type resourceEntry struct {
	val  any // always a pointer to the registered value
	typ  reflect.Type
	name string
}

// resourceRegistry manages the world's singletons, keyed by type at
// registration and by dense ID afterwards.
type resourceRegistry struct {
	typeMap map[reflect.Type]ResourceID
	entries []*resourceEntry
}

// RegisterResource registers val as the singleton of type T and returns its
// resource ID. Registering the same type twice returns ErrDuplicateResource.
func RegisterResource[T any](w *World, val *T) (ResourceID, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if _, ok := w.resources.typeMap[t]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateResource, t)
	}
	if len(w.resources.entries) >= MaxResourceTypes {
		panic(fmt.Sprintf("dandori: cannot register resource %s: maximum number of resource kinds (%d) reached", t, MaxResourceTypes))
	}
	id := ResourceID(len(w.resources.entries))
	w.resources.typeMap[t] = id
	w.resources.entries = append(w.resources.entries, &resourceEntry{
		val:  val,
		typ:  t,
		name: t.Name(),
	})
	return id, nil
}

// MustRegisterResource is RegisterResource that panics on error.
func MustRegisterResource[T any](w *World, val *T) ResourceID {
	id, err := RegisterResource[T](w, val)
	if err != nil {
		panic(err)
	}
	return id
}

// ResourceIDOf returns the resource ID for T and whether it is registered.
func ResourceIDOf[T any](w *World) (ResourceID, bool) {
	id, ok := w.resources.typeMap[reflect.TypeOf((*T)(nil)).Elem()]
	return id, ok
}

// GetResource retrieves the singleton of type T, or nil and false if it was
// never registered. Host-side accessor; systems should declare resource
// access and use ResourceFor instead.
func GetResource[T any](w *World) (*T, bool) {
	id, ok := ResourceIDOf[T](w)
	if !ok {
		return nil, false
	}
	return w.resources.entries[id].val.(*T), true
}

// ResourceFor returns the singleton of type T for a running system. The
// resource must appear in the system's declared resource reads or writes; an
// undeclared access panics, since the graph could not have serialized it.
func ResourceFor[T any](sc *SystemContext) *T {
	id, ok := ResourceIDOf[T](sc.world)
	if !ok {
		panic("dandori: access to unregistered resource " + reflect.TypeOf((*T)(nil)).Elem().String())
	}
	sc.sys.assertResourceDeclared(sc.world, id)
	return sc.world.resources.entries[id].val.(*T)
}

// setResource overwrites the stored singleton through its pointer so systems
// holding the pointer observe the new value. Called by the command applier
// at barriers.
func (w *World) setResource(id ResourceID, value any) error {
	if int(id) >= len(w.resources.entries) {
		return fmt.Errorf("%w: id %d", ErrUnknownResource, id)
	}
	entry := w.resources.entries[id]
	rv := reflect.ValueOf(value)
	if rv.Type() != entry.typ {
		return fmt.Errorf("%w: resource %s set with %s", ErrKindSetMismatch, entry.name, rv.Type())
	}
	reflect.ValueOf(entry.val).Elem().Set(rv)
	return nil
}

// ResourceName returns the debug name recorded for a resource ID.
func (w *World) ResourceName(id ResourceID) string {
	if int(id) >= len(w.resources.entries) {
		return ""
	}
	return w.resources.entries[id].name
}
