package dandori

import (
	"fmt"
)

// commandKind tags a deferred mutation record.
type commandKind uint8

const (
	opSpawn commandKind = iota
	opDespawn
	opInsert
	opRemove
	opSetResource
	opDefer
)

// command is one tagged mutation record. Fields are shared across kinds;
// only those relevant to the tag are set.
type command struct {
	fn     func(*World) error
	comps  []any
	value  any
	entity Entity
	kind   commandKind
	compID ComponentID
	resID  ResourceID
}

// CommandBuffer collects deferred structural mutations from a running system
// without touching shared world state. Every system receives a private
// buffer; the scheduler applies buffers at the next sync barrier, in
// submission order within a buffer and in system-id order across buffers.
//
// A buffer is not safe for concurrent use; each system owns its own.
type CommandBuffer struct {
	world *World
	cmds  []command
}

func newCommandBuffer(w *World) *CommandBuffer {
	return &CommandBuffer{world: w}
}

// Spawn enqueues an entity spawn with the given component values and returns
// a provisional entity handle. The handle is allocated eagerly from an
// atomic counter so subsequent commands in the same buffer can reference the
// entity before it is committed.
func (b *CommandBuffer) Spawn(components ...any) Entity {
	pid := b.world.provisional.Add(1)
	e := Entity{ID: provisionalBit | pid}
	b.cmds = append(b.cmds, command{kind: opSpawn, entity: e, comps: components})
	return e
}

// Despawn enqueues an entity removal.
func (b *CommandBuffer) Despawn(e Entity) {
	b.cmds = append(b.cmds, command{kind: opDespawn, entity: e})
}

// Insert enqueues adding or overwriting one component on an entity.
func (b *CommandBuffer) Insert(e Entity, component any) {
	b.cmds = append(b.cmds, command{kind: opInsert, entity: e, value: component})
}

// Remove enqueues stripping one component kind from an entity.
func (b *CommandBuffer) Remove(e Entity, id ComponentID) {
	b.cmds = append(b.cmds, command{kind: opRemove, entity: e, compID: id})
}

// SetResource enqueues replacing the value of a resource singleton.
func (b *CommandBuffer) SetResource(id ResourceID, value any) {
	b.cmds = append(b.cmds, command{kind: opSetResource, resID: id, value: value})
}

// Defer enqueues an arbitrary mutation to run against the world at the
// barrier. Escape hatch for operations the tagged commands don't cover.
func (b *CommandBuffer) Defer(fn func(*World) error) {
	b.cmds = append(b.cmds, command{kind: opDefer, fn: fn})
}

// Len returns the number of pending commands.
func (b *CommandBuffer) Len() int {
	return len(b.cmds)
}

// apply drains the buffer into the world in submission order. Provisional
// entity handles are resolved through a remap table as their spawns commit.
// Per-command storage errors are collected and returned; a failing command
// does not stop the drain.
func (b *CommandBuffer) apply(w *World) []error {
	var errs []error
	var remap map[uint32]Entity

	resolve := func(e Entity) (Entity, error) {
		if !e.IsProvisional() {
			return e, nil
		}
		real, ok := remap[e.ID]
		if !ok {
			return Entity{}, fmt.Errorf("%w: uncommitted provisional id %d", ErrUnknownEntity, e.ID&^provisionalBit)
		}
		return real, nil
	}

	for i := range b.cmds {
		cmd := &b.cmds[i]
		var err error
		switch cmd.kind {
		case opSpawn:
			var real Entity
			real, err = w.Spawn(cmd.comps...)
			if err == nil {
				if remap == nil {
					remap = make(map[uint32]Entity, 8)
				}
				remap[cmd.entity.ID] = real
			}
		case opDespawn:
			var e Entity
			if e, err = resolve(cmd.entity); err == nil {
				err = w.Despawn(e)
			}
		case opInsert:
			var e Entity
			if e, err = resolve(cmd.entity); err == nil {
				err = w.Insert(e, cmd.value)
			}
		case opRemove:
			var e Entity
			if e, err = resolve(cmd.entity); err == nil {
				err = w.Remove(e, cmd.compID)
			}
		case opSetResource:
			err = w.setResource(cmd.resID, cmd.value)
		case opDefer:
			err = cmd.fn(w)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	b.cmds = b.cmds[:0]
	return errs
}
