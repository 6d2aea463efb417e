package dandori

import (
	"encoding/binary"
	"reflect"
	"sync"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// querySig is the archetype-matching part of a query signature: the kinds an
// archetype must contain and the kinds it must not.
type querySig struct {
	include bitmask256
	exclude bitmask256
}

// QueryOption adjusts a view's query signature.
type QueryOption func(*querySig)

// With requires matched entities to carry the given kinds without reading
// their data.
func With(ids ...ComponentID) QueryOption {
	return func(s *querySig) {
		for _, id := range ids {
			s.include.set(uint8(id))
		}
	}
}

// Without excludes entities carrying any of the given kinds.
func Without(ids ...ComponentID) QueryOption {
	return func(s *querySig) {
		for _, id := range ids {
			s.exclude.set(uint8(id))
		}
	}
}

// queryPlan is a cached list of archetypes matching one signature. Plans are
// extended incrementally: seen records how many of the world's archetypes
// have been examined, so a stale plan only scans the archetypes created
// since it was last refreshed. Archetypes are never destroyed, so cached
// entries stay valid forever.
type queryPlan struct {
	sig    querySig
	arches []*archetype
	seen   int
}

// planCache holds compiled query plans keyed by a hash of the signature
// masks. Reads during parallel system execution take the shared lock; plan
// creation for new signatures takes the exclusive lock.
type planCache struct {
	mu    sync.RWMutex
	plans map[uint64]*queryPlan
}

// planKey hashes a signature's masks to a cache key.
func planKey(sig querySig) uint64 {
	var buf [64]byte
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:], sig.include[i])
		binary.LittleEndian.PutUint64(buf[32+i*8:], sig.exclude[i])
	}
	return xxhash.Sum64(buf[:])
}

// planFor returns the (possibly freshly extended) plan for a signature.
func (w *World) planFor(sig querySig) *queryPlan {
	key := planKey(sig)
	w.plans.mu.RLock()
	p, ok := w.plans.plans[key]
	if ok && p.seen == len(w.archetypes) {
		w.plans.mu.RUnlock()
		return p
	}
	w.plans.mu.RUnlock()

	w.plans.mu.Lock()
	defer w.plans.mu.Unlock()
	p, ok = w.plans.plans[key]
	if !ok {
		p = &queryPlan{sig: sig}
		w.plans.plans[key] = p
	}
	for ; p.seen < len(w.archetypes); p.seen++ {
		a := w.archetypes[p.seen]
		if a.mask.contains(sig.include) && !a.mask.intersects(sig.exclude) {
			p.arches = append(p.arches, a)
		}
	}
	return p
}

// viewCursor walks a plan's archetypes in archetype-id order, rows in their
// current order. It is embedded by the typed views.
type viewCursor struct {
	plan     *queryPlan
	entities []Entity
	archIdx  int
	idx      int
	curLen   int
	curEnt   Entity
}

func (c *viewCursor) reset(plan *queryPlan) {
	c.plan = plan
	c.archIdx = -1
	c.idx = -1
	c.curLen = 0
	c.entities = nil
}

// Entity returns the current entity. Only valid after Next returned true.
func (c *viewCursor) Entity() Entity {
	return c.curEnt
}

// View is an iterator over all entities carrying the component kind T,
// yielding direct pointers into the archetype columns. Structural mutations
// (barrier commits) invalidate a view; create views inside the system that
// uses them.
type View[T any] struct {
	viewCursor
	world   *World
	base1   unsafe.Pointer
	stride1 uintptr
	id1     ComponentID
}

// NewView creates a view over all entities with component T.
//
// Parameters:
//   - w: The World to iterate.
//   - opts: Optional With/Without filters.
//
// Returns:
//   - A pointer to the newly created View[T].
func NewView[T any](w *World, opts ...QueryOption) *View[T] {
	id1 := mustKindID[T](w)
	var sig querySig
	sig.include.set(uint8(id1))
	for _, o := range opts {
		o(&sig)
	}
	v := &View[T]{world: w, id1: id1}
	v.stride1 = w.components.meta(id1).size
	v.reset(w.planFor(sig))
	return v
}

// declaredFilters folds a system's With/Without declarations into a view's
// signature, so a system-bound view matches exactly what the system declared.
func declaredFilters(sc *SystemContext, opts []QueryOption) []QueryOption {
	acc := &sc.sys.access
	if acc.with.isZero() && acc.without.isZero() {
		return opts
	}
	folded := func(s *querySig) {
		s.include = s.include.or(acc.with)
		s.exclude = s.exclude.or(acc.without)
	}
	return append([]QueryOption{folded}, opts...)
}

// ViewFor creates a view bound to a running system. The kind of T must
// appear in the system's declared reads or writes; an undeclared view is an
// access conflict and panics. The system's declared With/Without filters
// apply automatically.
func ViewFor[T any](sc *SystemContext, opts ...QueryOption) *View[T] {
	id := mustKindID[T](sc.world)
	sc.sys.assertDeclared(sc.world, id)
	return NewView[T](sc.world, declaredFilters(sc, opts)...)
}

// Reset rewinds the view and picks up archetypes created since it was built.
func (v *View[T]) Reset() {
	v.reset(v.world.planFor(v.plan.sig))
}

// Next advances to the next entity. Returns false when iteration is done.
func (v *View[T]) Next() bool {
	v.idx++
	if v.idx < v.curLen {
		v.curEnt = v.entities[v.idx]
		return true
	}
	for {
		v.archIdx++
		if v.archIdx >= len(v.plan.arches) {
			return false
		}
		a := v.plan.arches[v.archIdx]
		if a.len() == 0 {
			continue
		}
		v.entities = a.entities
		v.curLen = a.len()
		v.base1 = a.columns[a.slot(v.id1)].data
		v.idx = 0
		v.curEnt = v.entities[0]
		return true
	}
}

// Get returns a pointer to the component for the current entity.
func (v *View[T]) Get() *T {
	return (*T)(unsafe.Add(v.base1, uintptr(v.idx)*v.stride1))
}

// View2 iterates entities carrying both T1 and T2.
type View2[T1 any, T2 any] struct {
	viewCursor
	world   *World
	base1   unsafe.Pointer
	base2   unsafe.Pointer
	stride1 uintptr
	stride2 uintptr
	id1     ComponentID
	id2     ComponentID
}

// NewView2 creates a view over all entities with components T1 and T2.
func NewView2[T1 any, T2 any](w *World, opts ...QueryOption) *View2[T1, T2] {
	id1 := mustKindID[T1](w)
	id2 := mustKindID[T2](w)
	var sig querySig
	sig.include.set(uint8(id1))
	sig.include.set(uint8(id2))
	for _, o := range opts {
		o(&sig)
	}
	v := &View2[T1, T2]{world: w, id1: id1, id2: id2}
	v.stride1 = w.components.meta(id1).size
	v.stride2 = w.components.meta(id2).size
	v.reset(w.planFor(sig))
	return v
}

// ViewFor2 creates a two-kind view bound to a running system, asserting both
// kinds are declared. The system's declared With/Without filters apply
// automatically.
func ViewFor2[T1 any, T2 any](sc *SystemContext, opts ...QueryOption) *View2[T1, T2] {
	id1 := mustKindID[T1](sc.world)
	id2 := mustKindID[T2](sc.world)
	sc.sys.assertDeclared(sc.world, id1)
	sc.sys.assertDeclared(sc.world, id2)
	return NewView2[T1, T2](sc.world, declaredFilters(sc, opts)...)
}

// Reset rewinds the view and picks up archetypes created since it was built.
func (v *View2[T1, T2]) Reset() {
	v.reset(v.world.planFor(v.plan.sig))
}

// Next advances to the next entity. Returns false when iteration is done.
func (v *View2[T1, T2]) Next() bool {
	v.idx++
	if v.idx < v.curLen {
		v.curEnt = v.entities[v.idx]
		return true
	}
	for {
		v.archIdx++
		if v.archIdx >= len(v.plan.arches) {
			return false
		}
		a := v.plan.arches[v.archIdx]
		if a.len() == 0 {
			continue
		}
		v.entities = a.entities
		v.curLen = a.len()
		v.base1 = a.columns[a.slot(v.id1)].data
		v.base2 = a.columns[a.slot(v.id2)].data
		v.idx = 0
		v.curEnt = v.entities[0]
		return true
	}
}

// Get returns pointers to both components for the current entity.
func (v *View2[T1, T2]) Get() (*T1, *T2) {
	p1 := (*T1)(unsafe.Add(v.base1, uintptr(v.idx)*v.stride1))
	p2 := (*T2)(unsafe.Add(v.base2, uintptr(v.idx)*v.stride2))
	return p1, p2
}

// View3 iterates entities carrying T1, T2 and T3.
type View3[T1 any, T2 any, T3 any] struct {
	viewCursor
	world   *World
	base1   unsafe.Pointer
	base2   unsafe.Pointer
	base3   unsafe.Pointer
	stride1 uintptr
	stride2 uintptr
	stride3 uintptr
	id1     ComponentID
	id2     ComponentID
	id3     ComponentID
}

// NewView3 creates a view over all entities with components T1, T2 and T3.
func NewView3[T1 any, T2 any, T3 any](w *World, opts ...QueryOption) *View3[T1, T2, T3] {
	id1 := mustKindID[T1](w)
	id2 := mustKindID[T2](w)
	id3 := mustKindID[T3](w)
	var sig querySig
	sig.include.set(uint8(id1))
	sig.include.set(uint8(id2))
	sig.include.set(uint8(id3))
	for _, o := range opts {
		o(&sig)
	}
	v := &View3[T1, T2, T3]{world: w, id1: id1, id2: id2, id3: id3}
	v.stride1 = w.components.meta(id1).size
	v.stride2 = w.components.meta(id2).size
	v.stride3 = w.components.meta(id3).size
	v.reset(w.planFor(sig))
	return v
}

// ViewFor3 creates a three-kind view bound to a running system. The system's
// declared With/Without filters apply automatically.
func ViewFor3[T1 any, T2 any, T3 any](sc *SystemContext, opts ...QueryOption) *View3[T1, T2, T3] {
	id1 := mustKindID[T1](sc.world)
	id2 := mustKindID[T2](sc.world)
	id3 := mustKindID[T3](sc.world)
	sc.sys.assertDeclared(sc.world, id1)
	sc.sys.assertDeclared(sc.world, id2)
	sc.sys.assertDeclared(sc.world, id3)
	return NewView3[T1, T2, T3](sc.world, declaredFilters(sc, opts)...)
}

// Reset rewinds the view and picks up archetypes created since it was built.
func (v *View3[T1, T2, T3]) Reset() {
	v.reset(v.world.planFor(v.plan.sig))
}

// Next advances to the next entity. Returns false when iteration is done.
func (v *View3[T1, T2, T3]) Next() bool {
	v.idx++
	if v.idx < v.curLen {
		v.curEnt = v.entities[v.idx]
		return true
	}
	for {
		v.archIdx++
		if v.archIdx >= len(v.plan.arches) {
			return false
		}
		a := v.plan.arches[v.archIdx]
		if a.len() == 0 {
			continue
		}
		v.entities = a.entities
		v.curLen = a.len()
		v.base1 = a.columns[a.slot(v.id1)].data
		v.base2 = a.columns[a.slot(v.id2)].data
		v.base3 = a.columns[a.slot(v.id3)].data
		v.idx = 0
		v.curEnt = v.entities[0]
		return true
	}
}

// Get returns pointers to all three components for the current entity.
func (v *View3[T1, T2, T3]) Get() (*T1, *T2, *T3) {
	p1 := (*T1)(unsafe.Add(v.base1, uintptr(v.idx)*v.stride1))
	p2 := (*T2)(unsafe.Add(v.base2, uintptr(v.idx)*v.stride2))
	p3 := (*T3)(unsafe.Add(v.base3, uintptr(v.idx)*v.stride3))
	return p1, p2, p3
}

// mustKindID resolves the kind ID of T, panicking if T was never registered.
// Views over unregistered kinds are programming errors, not recoverable
// conditions.
func mustKindID[T any](w *World) ComponentID {
	id, ok := ComponentIDOf[T](w)
	if !ok {
		panic("dandori: view over unregistered component " + reflect.TypeOf((*T)(nil)).Elem().String())
	}
	return id
}
