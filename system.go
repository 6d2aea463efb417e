package dandori

import "context"

// SystemFunc is the unit of work a system executes each tick. It receives
// query views, a private command buffer and declared resources through the
// context, and reports success or a failure value.
type SystemFunc func(*SystemContext) error

// accessSet is a system's static data-access declaration: which component
// kinds it reads and writes, which kinds filter its queries, and which
// resources it touches. The graph derives dependency edges from overlaps
// between access sets.
type accessSet struct {
	reads     bitmask256
	writes    bitmask256
	with      bitmask256
	without   bitmask256
	resReads  bitmask256
	resWrites bitmask256
	exclusive bool
}

// conflictsWith reports whether two access sets cannot run concurrently:
// any write/write or read/write overlap on a component or resource kind, or
// either side demanding world-wide exclusivity.
func (s accessSet) conflictsWith(o accessSet) bool {
	if s.exclusive || o.exclusive {
		return true
	}
	if s.writes.intersects(o.writes) || s.writes.intersects(o.reads) || s.reads.intersects(o.writes) {
		return true
	}
	if s.resWrites.intersects(o.resWrites) || s.resWrites.intersects(o.resReads) || s.resReads.intersects(o.resWrites) {
		return true
	}
	return false
}

// SystemDescriptor bundles a runner with its access declaration and explicit
// ordering constraints. Build one with NewSystem and the chainable declare
// methods, then hand it to App.AddSystem.
type SystemDescriptor struct {
	fn     SystemFunc
	name   string
	before []string
	after  []string
	access accessSet
	id     int // assigned by the app, stable insertion order
}

// NewSystem creates a descriptor for a named runner with an empty access
// declaration. Chain the declare methods to describe what the runner touches;
// undeclared access is an error the guards catch at runtime.
func NewSystem(name string, fn SystemFunc) *SystemDescriptor {
	return &SystemDescriptor{name: name, fn: fn, id: -1}
}

// Reads declares shared access to component kinds.
func (s *SystemDescriptor) Reads(ids ...ComponentID) *SystemDescriptor {
	for _, id := range ids {
		s.access.reads.set(uint8(id))
	}
	return s
}

// Writes declares exclusive access to component kinds.
func (s *SystemDescriptor) Writes(ids ...ComponentID) *SystemDescriptor {
	for _, id := range ids {
		s.access.writes.set(uint8(id))
	}
	return s
}

// With narrows the system's queries to entities carrying the kinds, without
// accessing their data.
func (s *SystemDescriptor) With(ids ...ComponentID) *SystemDescriptor {
	for _, id := range ids {
		s.access.with.set(uint8(id))
	}
	return s
}

// Without excludes entities carrying the kinds from the system's queries.
func (s *SystemDescriptor) Without(ids ...ComponentID) *SystemDescriptor {
	for _, id := range ids {
		s.access.without.set(uint8(id))
	}
	return s
}

// ReadsResource declares shared access to resource singletons.
func (s *SystemDescriptor) ReadsResource(ids ...ResourceID) *SystemDescriptor {
	for _, id := range ids {
		s.access.resReads.set(uint8(id))
	}
	return s
}

// WritesResource declares exclusive access to resource singletons.
func (s *SystemDescriptor) WritesResource(ids ...ResourceID) *SystemDescriptor {
	for _, id := range ids {
		s.access.resWrites.set(uint8(id))
	}
	return s
}

// RunsBefore orders this system before the named one.
func (s *SystemDescriptor) RunsBefore(name string) *SystemDescriptor {
	s.before = append(s.before, name)
	return s
}

// RunsAfter orders this system after the named one.
func (s *SystemDescriptor) RunsAfter(name string) *SystemDescriptor {
	s.after = append(s.after, name)
	return s
}

// Exclusive declares world-wide exclusive access. An exclusive system runs
// alone, forming a synchronous barrier in the schedule.
func (s *SystemDescriptor) Exclusive() *SystemDescriptor {
	s.access.exclusive = true
	return s
}

// Name returns the system's name.
func (s *SystemDescriptor) Name() string {
	return s.name
}

// ID returns the system's stable id, or -1 before the system is added to an
// app.
func (s *SystemDescriptor) ID() int {
	return s.id
}

// effectiveAccess is the declaration the scheduler enforces. A system
// touching a kind marked local (not send-shareable) is promoted to exclusive
// so it runs on the coordinator with the world drained.
func (s *SystemDescriptor) effectiveAccess(w *World) accessSet {
	a := s.access
	if a.exclusive {
		return a
	}
	touched := a.reads.or(a.writes)
	for id := 0; id < int(w.components.next); id++ {
		if touched.containsBit(uint8(id)) && !w.components.metas[id].shareable {
			a.exclusive = true
			return a
		}
	}
	return a
}

// assertDeclared panics when a view is created over a kind outside the
// system's declared reads and writes. Such a view could race with systems
// the graph considers independent.
func (s *SystemDescriptor) assertDeclared(w *World, id ComponentID) {
	if !s.access.reads.containsBit(uint8(id)) && !s.access.writes.containsBit(uint8(id)) {
		accessConflict("undeclared component " + w.KindName(id) + " in system " + s.name)
	}
}

// assertResourceDeclared panics when a system touches a resource outside its
// declared resource access.
func (s *SystemDescriptor) assertResourceDeclared(w *World, id ResourceID) {
	if !s.access.resReads.containsBit(uint8(id)) && !s.access.resWrites.containsBit(uint8(id)) {
		accessConflict("undeclared resource " + w.ResourceName(id) + " in system " + s.name)
	}
}

// SystemContext carries the per-run environment of one system invocation.
type SystemContext struct {
	ctx   context.Context
	world *World
	sys   *SystemDescriptor
	cmds  *CommandBuffer
}

// Context returns the tick's context; long-running systems should honor its
// cancellation.
func (c *SystemContext) Context() context.Context {
	return c.ctx
}

// World returns the world. During parallel execution the world's structure
// is read-only; mutate through Commands.
func (c *SystemContext) World() *World {
	return c.world
}

// Commands returns the system's private command buffer.
func (c *SystemContext) Commands() *CommandBuffer {
	return c.cmds
}

// Name returns the running system's name.
func (c *SystemContext) Name() string {
	return c.sys.name
}
