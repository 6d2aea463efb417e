package dandori

// Entity represents a unique identifier for an object in the World. It combines
// a 32-bit ID with a 32-bit version to ensure that recycled IDs are not confused
// with new entities.
type Entity struct {
	// ID is the unique, recyclable identifier for the entity.
	ID uint32
	// Version is a generation counter to protect against stale entity references.
	// It is incremented each time an entity ID is reused.
	Version uint32
}

// provisionalBit marks entity IDs handed out by a command buffer before the
// spawn has been committed to the world. Provisional IDs are remapped to real
// ones when the buffer is applied at a barrier.
const provisionalBit uint32 = 1 << 31

// IsProvisional reports whether e is a placeholder allocated by
// CommandBuffer.Spawn and not yet committed.
func (e Entity) IsProvisional() bool {
	return e.ID&provisionalBit != 0
}

// entityMeta holds the internal location and state of an entity. It is the
// world's directory entry: for a live entity the archetype's entity column
// holds the entity at exactly this row.
type entityMeta struct {
	archetypeIndex int    // index in World.archetypes, -1 if dead
	row            int    // position inside the archetype's columns
	version        uint32 // current version, 0 if the entity is dead
}
