package dandori

import (
	"reflect"
	"unsafe"
)

// initialColumnCap is the starting capacity of every column; growth is
// geometric from here.
const initialColumnCap = 4

// column is one strict-SoA buffer of an archetype, holding the cells of a
// single component kind for every row. Dynamic borrow assertion happens at
// kind granularity on the world; columns themselves carry no locks.
type column struct {
	data unsafe.Pointer // base of the backing array
	ref  reflect.Value  // backing slice, keeps typed memory alive for the GC
	size uintptr
	id   ComponentID
}

// cell returns a pointer to the cell at the given row.
func (c *column) cell(row int) unsafe.Pointer {
	return unsafe.Add(c.data, uintptr(row)*c.size)
}

// cellValue couples a kind ID with the value to store in its cell. The world
// builds sorted cellValue lists from user-supplied component values.
type cellValue struct {
	id  ComponentID
	val reflect.Value
}

// archetype holds columnar storage for all entities sharing one kind-set.
// All columns have equal length; row i of every column belongs to
// entities[i]. Row order is unstable: deletion swap-removes.
type archetype struct {
	columns  []*column
	kinds    []ComponentID // ascending kind IDs, parallel to columns
	entities []Entity
	slots    [MaxComponentTypes]int16 // kind ID -> column index, -1 if absent
	mask     bitmask256
	index    int // position in world.archetypes, doubles as archetype ID
	cap      int
}

// newArchetype allocates storage for the kind-set described by mask.
func newArchetype(reg *componentRegistry, mask bitmask256, index int) *archetype {
	a := &archetype{
		mask:  mask,
		index: index,
		cap:   initialColumnCap,
	}
	for i := range a.slots {
		a.slots[i] = -1
	}
	for id := 0; id < int(reg.next); id++ {
		if !mask.containsBit(uint8(id)) {
			continue
		}
		a.slots[id] = int16(len(a.columns))
		a.kinds = append(a.kinds, ComponentID(id))
		a.columns = append(a.columns, allocColumn(reg.meta(ComponentID(id)), a.cap))
	}
	a.entities = make([]Entity, 0, a.cap)
	return a
}

// allocColumn builds a column backed by a typed slice so pointer-bearing
// kinds stay visible to the garbage collector.
func allocColumn(meta *componentMeta, capacity int) *column {
	slice := reflect.MakeSlice(reflect.SliceOf(meta.typ), capacity, capacity)
	return &column{
		data: slice.UnsafePointer(),
		ref:  slice,
		size: meta.size,
		id:   meta.id,
	}
}

// len returns the archetype's current row count.
func (a *archetype) len() int {
	return len(a.entities)
}

// slot finds the column index of a kind ID, or -1 if the kind is absent.
func (a *archetype) slot(id ComponentID) int {
	return int(a.slots[id])
}

// reserve ensures all columns can hold len+n rows without reallocation.
func (a *archetype) reserve(reg *componentRegistry, n int) {
	need := len(a.entities) + n
	if need <= a.cap {
		return
	}
	newCap := a.cap * 2
	if newCap < need {
		newCap = need
	}
	a.growTo(reg, newCap)
}

// growTo reallocates every column to newCap, preserving live rows.
func (a *archetype) growTo(reg *componentRegistry, newCap int) {
	used := len(a.entities)
	for i, c := range a.columns {
		meta := reg.meta(c.id)
		slice := reflect.MakeSlice(reflect.SliceOf(meta.typ), newCap, newCap)
		reflect.Copy(slice, c.ref.Slice(0, used))
		c.ref = slice
		c.data = slice.UnsafePointer()
		a.columns[i] = c
	}
	ents := make([]Entity, used, newCap)
	copy(ents, a.entities)
	a.entities = ents
	a.cap = newCap
}

// pushRow appends one row for e. cells must cover the archetype's kind-set
// exactly; the world validates that before calling.
func (a *archetype) pushRow(reg *componentRegistry, e Entity, cells []cellValue) int {
	a.reserve(reg, 1)
	row := len(a.entities)
	a.entities = append(a.entities, e)
	for _, cv := range cells {
		slot := a.slot(cv.id)
		a.columns[slot].ref.Index(row).Set(cv.val)
	}
	return row
}

// pushZeroRow appends one zero-valued row for e. Used when migrating an
// entity into a kind-set before the shared cells are copied over.
func (a *archetype) pushZeroRow(reg *componentRegistry, e Entity) int {
	a.reserve(reg, 1)
	row := len(a.entities)
	a.entities = append(a.entities, e)
	for _, c := range a.columns {
		if reg.meta(c.id).hasPtr {
			c.ref.Index(row).SetZero()
		}
	}
	return row
}

// swapRemove removes a row, invoking drop functions on its cells and moving
// the last row into its slot. It returns the entity of the moved row so the
// directory can be patched, and false if the removed row was the last.
func (a *archetype) swapRemove(reg *componentRegistry, row int) (Entity, bool) {
	for _, c := range a.columns {
		if drop := reg.meta(c.id).drop; drop != nil {
			drop(c.cell(row))
		}
	}
	return a.removeRowNoDrop(reg, row)
}

// removeRowNoDrop is swapRemove without the drop pass, for rows whose cells
// were already moved out or dropped during migration.
func (a *archetype) removeRowNoDrop(reg *componentRegistry, row int) (Entity, bool) {
	last := len(a.entities) - 1
	moved := Entity{}
	hadMoved := false
	if row < last {
		moved = a.entities[last]
		a.entities[row] = moved
		hadMoved = true
		for _, c := range a.columns {
			if reg.meta(c.id).hasPtr {
				c.ref.Index(row).Set(c.ref.Index(last))
			} else {
				memCopy(c.cell(row), c.cell(last), c.size)
			}
		}
	}
	// Zero the vacated slot so stale cells don't pin heap objects.
	for _, c := range a.columns {
		if reg.meta(c.id).hasPtr {
			c.ref.Index(last).SetZero()
		}
	}
	a.entities = a.entities[:last]
	return moved, hadMoved
}

// migrateRowTo moves the shared columns' cells of row into dst, constructs
// extras cells in dst, and drops the cells of kinds absent from dst. It
// returns the entity's new row in dst plus the entity moved into the vacated
// source row, if any.
func (a *archetype) migrateRowTo(reg *componentRegistry, row int, dst *archetype, extras []cellValue) (newRow int, moved Entity, hadMoved bool) {
	e := a.entities[row]
	newRow = dst.pushZeroRow(reg, e)
	for _, c := range a.columns {
		slot := dst.slot(c.id)
		if slot < 0 {
			if drop := reg.meta(c.id).drop; drop != nil {
				drop(c.cell(row))
			}
			continue
		}
		dc := dst.columns[slot]
		if reg.meta(c.id).hasPtr {
			dc.ref.Index(newRow).Set(c.ref.Index(row))
		} else {
			memCopy(dc.cell(newRow), c.cell(row), c.size)
		}
	}
	for _, cv := range extras {
		slot := dst.slot(cv.id)
		dst.columns[slot].ref.Index(newRow).Set(cv.val)
	}
	moved, hadMoved = a.removeRowNoDrop(reg, row)
	return newRow, moved, hadMoved
}

// dropAllRows invokes drop functions for every live cell and truncates the
// archetype. Used by ClearEntities.
func (a *archetype) dropAllRows(reg *componentRegistry) {
	n := len(a.entities)
	for _, c := range a.columns {
		meta := reg.meta(c.id)
		if meta.drop != nil {
			for row := 0; row < n; row++ {
				meta.drop(c.cell(row))
			}
		}
		if meta.hasPtr {
			for row := 0; row < n; row++ {
				c.ref.Index(row).SetZero()
			}
		}
	}
	a.entities = a.entities[:0]
}

// memCopy copies size bytes from src to dst using built-in copy for performance.
func memCopy(dst, src unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}
	dstBytes := unsafe.Slice((*byte)(dst), size)
	srcBytes := unsafe.Slice((*byte)(src), size)
	copy(dstBytes, srcBytes)
}
