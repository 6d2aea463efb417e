package dandori

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"
)

const defaultEntityCapacity = 256

// World owns all archetypes, the entity directory, the component registry and
// the resource store. A world is not a process singleton: the host creates
// and owns world instances, and kind IDs are scoped to the world that
// assigned them.
//
// During parallel system execution the archetype list and entity directory
// are read-only; all structural mutation goes through command buffers applied
// at barriers, or happens before ticks run.
type World struct {
	components     componentRegistry
	resources      resourceRegistry
	plans          planCache
	archetypes     []*archetype
	maskToArcIndex map[bitmask256]int
	metas          []entityMeta
	freeIDs        []uint32 // stack of recycled entity IDs
	// transitions cache archetype moves for insert/remove so repeated
	// migrations skip the mask lookup.
	addTransitions    map[int]map[ComponentID]int
	removeTransitions map[int]map[ComponentID]int
	nextVer           uint32 // version for the next allocated entity
	archetypeVersion  uint32 // incremented when a new archetype is created
	provisional       atomic.Uint32
	kindGuards        [MaxComponentTypes]atomic.Int32
	resGuards         [MaxResourceTypes]atomic.Int32
}

// WorldOption configures a new world.
type WorldOption func(*World)

// WithCapacity pre-allocates the entity directory and free-ID list for the
// given number of entities.
func WithCapacity(n int) WorldOption {
	return func(w *World) {
		w.expand(n)
	}
}

// NewWorld creates and initializes a new World. The empty archetype is
// pre-created so entities without components have a home.
func NewWorld(opts ...WorldOption) *World {
	w := &World{
		components: componentRegistry{
			compTypeMap: make(map[reflect.Type]ComponentID, 16),
		},
		resources: resourceRegistry{
			typeMap: make(map[reflect.Type]ResourceID, 8),
		},
		plans:             planCache{plans: make(map[uint64]*queryPlan)},
		maskToArcIndex:    make(map[bitmask256]int),
		archetypes:        make([]*archetype, 0, 16),
		addTransitions:    make(map[int]map[ComponentID]int),
		removeTransitions: make(map[int]map[ComponentID]int),
		nextVer:           1,
	}
	w.expand(defaultEntityCapacity)
	for _, o := range opts {
		o(w)
	}
	w.getOrCreateArchetype(bitmask256{})
	return w
}

// expand grows the entity directory by at least additional slots.
func (w *World) expand(additional int) {
	oldCap := len(w.metas)
	newCap := oldCap * 2
	if newCap == 0 {
		newCap = 1
	}
	if newCap < oldCap+additional {
		newCap = oldCap + additional
	}
	delta := newCap - oldCap
	newMetas := make([]entityMeta, delta)
	for i := range newMetas {
		newMetas[i].archetypeIndex = -1
		newMetas[i].row = -1
	}
	w.metas = append(w.metas, newMetas...)
	for i := 0; i < delta; i++ {
		// fill freeIDs with [newCap-1 .. oldCap]
		w.freeIDs = append(w.freeIDs, uint32(newCap-1-i))
	}
}

// getOrCreateArchetype returns the archetype for the given kind-set mask,
// creating it if missing. Archetypes are never destroyed; empty ones stay
// so query plans remain valid.
func (w *World) getOrCreateArchetype(mask bitmask256) *archetype {
	if idx, ok := w.maskToArcIndex[mask]; ok {
		return w.archetypes[idx]
	}
	a := newArchetype(&w.components, mask, len(w.archetypes))
	w.archetypes = append(w.archetypes, a)
	w.maskToArcIndex[mask] = a.index
	w.archetypeVersion++
	return a
}

// cellsFor resolves component values into kind-sorted cells plus the
// combined kind-set mask. A value of an unregistered type or two values of
// the same kind are errors.
func (w *World) cellsFor(components []any) ([]cellValue, bitmask256, error) {
	var mask bitmask256
	cells := make([]cellValue, 0, len(components))
	for _, comp := range components {
		rv := reflect.ValueOf(comp)
		id, ok := w.components.lookupID(rv.Type())
		if !ok {
			return nil, mask, fmt.Errorf("%w: %s", ErrUnregisteredComponent, rv.Type())
		}
		if mask.containsBit(uint8(id)) {
			return nil, mask, fmt.Errorf("%w: duplicate kind %s", ErrKindSetMismatch, rv.Type())
		}
		mask.set(uint8(id))
		cells = append(cells, cellValue{id: id, val: rv})
	}
	return cells, mask, nil
}

// allocEntity pops a recycled slot (or grows the directory) and stamps a
// fresh version. The version counter is global and only moves forward, so
// generations are strictly monotonic per slot.
func (w *World) allocEntity() Entity {
	if len(w.freeIDs) == 0 {
		w.expand(1)
	}
	last := len(w.freeIDs) - 1
	id := w.freeIDs[last]
	w.freeIDs = w.freeIDs[:last]
	meta := &w.metas[id]
	meta.version = w.nextVer
	w.nextVer++
	return Entity{ID: id, Version: meta.version}
}

// Spawn allocates an entity carrying the given component values, finding or
// creating the archetype for their combined kind-set.
//
// Parameters:
//   - components: One value per component kind; kinds must be registered and
//     must not repeat.
//
// Returns:
//   - The new Entity, or an error naming the offending value.
func (w *World) Spawn(components ...any) (Entity, error) {
	cells, mask, err := w.cellsFor(components)
	if err != nil {
		return Entity{}, err
	}
	a := w.getOrCreateArchetype(mask)
	e := w.allocEntity()
	row := a.pushRow(&w.components, e, cells)
	meta := &w.metas[e.ID]
	meta.archetypeIndex = a.index
	meta.row = row
	return e, nil
}

// SpawnEmpty allocates an entity with no components.
func (w *World) SpawnEmpty() Entity {
	e, _ := w.Spawn()
	return e
}

// Despawn removes an entity, dropping its cells and recycling its slot with
// a bumped generation. A stale handle returns ErrUnknownEntity.
func (w *World) Despawn(e Entity) error {
	meta, err := w.liveMeta(e)
	if err != nil {
		return err
	}
	a := w.archetypes[meta.archetypeIndex]
	moved, hadMoved := a.swapRemove(&w.components, meta.row)
	if hadMoved {
		w.metas[moved.ID].row = meta.row
	}
	meta.archetypeIndex = -1
	meta.row = -1
	meta.version = 0
	w.freeIDs = append(w.freeIDs, e.ID)
	return nil
}

// Insert adds or overwrites one component on an entity, migrating it to the
// archetype with the extended kind-set when the kind is new.
func (w *World) Insert(e Entity, component any) error {
	meta, err := w.liveMeta(e)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(component)
	id, ok := w.components.lookupID(rv.Type())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredComponent, rv.Type())
	}
	src := w.archetypes[meta.archetypeIndex]
	if src.mask.containsBit(uint8(id)) {
		c := src.columns[src.slot(id)]
		// The replaced cell is destroyed; run its drop function first.
		if drop := w.components.meta(id).drop; drop != nil {
			drop(c.cell(meta.row))
		}
		c.ref.Index(meta.row).Set(rv)
		return nil
	}
	dst := w.addTransition(src, id)
	newRow, moved, hadMoved := src.migrateRowTo(&w.components, meta.row, dst, []cellValue{{id: id, val: rv}})
	if hadMoved {
		w.metas[moved.ID].row = meta.row
	}
	meta.archetypeIndex = dst.index
	meta.row = newRow
	return nil
}

// Remove strips one component kind from an entity, migrating it to the
// archetype with the reduced kind-set. Removing a kind the entity does not
// carry is a no-op.
func (w *World) Remove(e Entity, id ComponentID) error {
	meta, err := w.liveMeta(e)
	if err != nil {
		return err
	}
	src := w.archetypes[meta.archetypeIndex]
	if !src.mask.containsBit(uint8(id)) {
		return nil
	}
	dst := w.removeTransition(src, id)
	newRow, moved, hadMoved := src.migrateRowTo(&w.components, meta.row, dst, nil)
	if hadMoved {
		w.metas[moved.ID].row = meta.row
	}
	meta.archetypeIndex = dst.index
	meta.row = newRow
	return nil
}

// addTransition resolves (and caches) the destination archetype for adding
// one kind to src's kind-set.
func (w *World) addTransition(src *archetype, id ComponentID) *archetype {
	if m, ok := w.addTransitions[src.index]; ok {
		if dst, ok := m[id]; ok {
			return w.archetypes[dst]
		}
	}
	newMask := src.mask
	newMask.set(uint8(id))
	dst := w.getOrCreateArchetype(newMask)
	m, ok := w.addTransitions[src.index]
	if !ok {
		m = make(map[ComponentID]int, 4)
		w.addTransitions[src.index] = m
	}
	m[id] = dst.index
	return dst
}

// removeTransition resolves (and caches) the destination archetype for
// removing one kind from src's kind-set.
func (w *World) removeTransition(src *archetype, id ComponentID) *archetype {
	if m, ok := w.removeTransitions[src.index]; ok {
		if dst, ok := m[id]; ok {
			return w.archetypes[dst]
		}
	}
	newMask := src.mask
	newMask.unset(uint8(id))
	dst := w.getOrCreateArchetype(newMask)
	m, ok := w.removeTransitions[src.index]
	if !ok {
		m = make(map[ComponentID]int, 4)
		w.removeTransitions[src.index] = m
	}
	m[id] = dst.index
	return dst
}

// liveMeta validates a handle against the directory.
func (w *World) liveMeta(e Entity) (*entityMeta, error) {
	if e.IsProvisional() || int(e.ID) >= len(w.metas) {
		return nil, fmt.Errorf("%w: id %d v%d", ErrUnknownEntity, e.ID, e.Version)
	}
	meta := &w.metas[e.ID]
	if meta.version == 0 || meta.version != e.Version {
		return nil, fmt.Errorf("%w: id %d v%d", ErrUnknownEntity, e.ID, e.Version)
	}
	return meta, nil
}

// IsValid checks if the entity is currently alive in the world. An entity is
// valid if its ID is within bounds and its version matches the directory's
// current version for that slot, protecting against stale references after
// the slot has been recycled.
func (w *World) IsValid(e Entity) bool {
	_, err := w.liveMeta(e)
	return err == nil
}

// Len returns the number of live entities.
func (w *World) Len() int {
	n := 0
	for _, a := range w.archetypes {
		n += a.len()
	}
	return n
}

// GetComponent retrieves a pointer to the component of type T for the given
// entity. The pointer is valid until the next structural mutation.
//
// Host-side accessor for use outside ticks and at barrier phase; a running
// system should use ComponentFor, which verifies the access declaration.
//
// Returns ErrUnknownEntity for a stale handle and ErrKindSetMismatch when the
// entity does not carry the kind.
func GetComponent[T any](w *World, e Entity) (*T, error) {
	meta, err := w.liveMeta(e)
	if err != nil {
		return nil, err
	}
	id, ok := ComponentIDOf[T](w)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredComponent, reflect.TypeOf((*T)(nil)).Elem())
	}
	a := w.archetypes[meta.archetypeIndex]
	slot := a.slot(id)
	if slot < 0 {
		return nil, fmt.Errorf("%w: entity %d has no %s", ErrKindSetMismatch, e.ID, w.KindName(id))
	}
	c := a.columns[slot]
	return (*T)(unsafe.Add(c.data, uintptr(meta.row)*c.size)), nil
}

// ComponentFor retrieves a component for a specific entity from inside a
// running system. The kind of T must appear in the system's declared reads
// or writes; undeclared access is an access conflict and panics, since the
// graph could not have serialized it.
func ComponentFor[T any](sc *SystemContext, e Entity) (*T, error) {
	id, ok := ComponentIDOf[T](sc.world)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredComponent, reflect.TypeOf((*T)(nil)).Elem())
	}
	sc.sys.assertDeclared(sc.world, id)
	return GetComponent[T](sc.world, e)
}

// HasComponent reports whether the entity is alive and carries the kind of T.
func HasComponent[T any](w *World, e Entity) bool {
	meta, err := w.liveMeta(e)
	if err != nil {
		return false
	}
	id, ok := ComponentIDOf[T](w)
	if !ok {
		return false
	}
	return w.archetypes[meta.archetypeIndex].mask.containsBit(uint8(id))
}

// SetComponent sets the component of type T on the entity, adding it if not
// present. Adding a new kind migrates the entity to a different archetype,
// which is more expensive than updating in place.
func SetComponent[T any](w *World, e Entity, val T) error {
	return w.Insert(e, val)
}

// RemoveComponent removes the component of type T from the entity if present.
func RemoveComponent[T any](w *World, e Entity) error {
	id, ok := ComponentIDOf[T](w)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredComponent, reflect.TypeOf((*T)(nil)).Elem())
	}
	return w.Remove(e, id)
}

// ClearEntities removes all entities from the world, invoking drop functions
// and recycling every slot. Archetypes, registrations and query plans are
// retained, so this is an efficient world reset.
func (w *World) ClearEntities() {
	for _, a := range w.archetypes {
		a.dropAllRows(&w.components)
	}
	w.freeIDs = w.freeIDs[:0]
	for i := range w.metas {
		w.metas[i].archetypeIndex = -1
		w.metas[i].row = -1
		w.metas[i].version = 0
	}
	for i := len(w.metas) - 1; i >= 0; i-- {
		w.freeIDs = append(w.freeIDs, uint32(i))
	}
}

// acquireKindGuard asserts a dynamic borrow on a component kind. The graph
// statically prevents conflicting systems from overlapping; this guard is the
// runtime re-verification.
func (w *World) acquireKindGuard(id ComponentID, write bool) {
	g := &w.kindGuards[id]
	if write {
		if !g.CompareAndSwap(0, -1) {
			accessConflict("component " + w.KindName(id))
		}
		return
	}
	for {
		v := g.Load()
		if v < 0 {
			accessConflict("component " + w.KindName(id))
		}
		if g.CompareAndSwap(v, v+1) {
			return
		}
	}
}

// releaseKindGuard returns a borrow taken with acquireKindGuard.
func (w *World) releaseKindGuard(id ComponentID, write bool) {
	if write {
		w.kindGuards[id].Store(0)
		return
	}
	w.kindGuards[id].Add(-1)
}

// acquireResGuard asserts a dynamic borrow on a resource kind.
func (w *World) acquireResGuard(id ResourceID, write bool) {
	g := &w.resGuards[id]
	if write {
		if !g.CompareAndSwap(0, -1) {
			accessConflict("resource " + w.ResourceName(id))
		}
		return
	}
	for {
		v := g.Load()
		if v < 0 {
			accessConflict("resource " + w.ResourceName(id))
		}
		if g.CompareAndSwap(v, v+1) {
			return
		}
	}
}

// releaseResGuard returns a borrow taken with acquireResGuard.
func (w *World) releaseResGuard(id ResourceID, write bool) {
	if write {
		w.resGuards[id].Store(0)
		return
	}
	w.resGuards[id].Add(-1)
}
