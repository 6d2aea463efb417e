package dandori_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/edwinsyarief/dandori"
)

// --- Test Components ---
type Position struct{ X, Y float32 }
type Velocity struct{ VX, VY float32 }
type Health struct{ Current, Max int }
type Tag struct{}
type UnregisteredComponent struct{}

// --- Test Suite Setup ---
func setupWorld(t *testing.T) (*dandori.World, dandori.ComponentID, dandori.ComponentID, dandori.ComponentID) {
	t.Helper()
	w := dandori.NewWorld()
	posID := dandori.MustRegisterComponent[Position](w)
	velID := dandori.MustRegisterComponent[Velocity](w)
	healthID := dandori.MustRegisterComponent[Health](w)
	dandori.MustRegisterComponent[Tag](w)
	return w, posID, velID, healthID
}

// --- Tests ---

// go test -run ^TestSpawn$ . -count 1
func TestSpawn(t *testing.T) {
	world, _, _, _ := setupWorld(t)

	e1, err := world.Spawn(Position{X: 1, Y: 2}, Velocity{VX: 3, VY: 4})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	e2, err := world.Spawn(Position{X: 5, Y: 6})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if e1.ID == e2.ID {
		t.Errorf("Expected distinct entity IDs, both got %d", e1.ID)
	}
	if world.Len() != 2 {
		t.Errorf("Expected 2 live entities, got %d", world.Len())
	}

	p, err := dandori.GetComponent[Position](world, e1)
	if err != nil {
		t.Fatalf("GetComponent failed: %v", err)
	}
	if p.X != 1 || p.Y != 2 {
		t.Errorf("Component data is incorrect. Got %+v", p)
	}
	v, err := dandori.GetComponent[Velocity](world, e1)
	if err != nil {
		t.Fatalf("GetComponent failed: %v", err)
	}
	if v.VX != 3 || v.VY != 4 {
		t.Errorf("Component data is incorrect. Got %+v", v)
	}
}

// go test -run ^TestSpawnErrors$ . -count 1
func TestSpawnErrors(t *testing.T) {
	world, _, _, _ := setupWorld(t)

	t.Run("UnregisteredKind", func(t *testing.T) {
		_, err := world.Spawn(UnregisteredComponent{})
		if !errors.Is(err, dandori.ErrUnregisteredComponent) {
			t.Errorf("Expected ErrUnregisteredComponent, got %v", err)
		}
	})

	t.Run("DuplicateKind", func(t *testing.T) {
		_, err := world.Spawn(Position{X: 1}, Position{X: 2})
		if !errors.Is(err, dandori.ErrKindSetMismatch) {
			t.Errorf("Expected ErrKindSetMismatch, got %v", err)
		}
	})

	t.Run("FailedSpawnLeavesWorldEmpty", func(t *testing.T) {
		if world.Len() != 0 {
			t.Errorf("Expected 0 entities after failed spawns, got %d", world.Len())
		}
	})
}

// go test -run ^TestSpawnEmpty$ . -count 1
func TestSpawnEmpty(t *testing.T) {
	world, _, _, _ := setupWorld(t)
	e := world.SpawnEmpty()
	if !world.IsValid(e) {
		t.Fatal("Expected empty entity to be valid")
	}
	if dandori.HasComponent[Position](world, e) {
		t.Error("Empty entity should carry no components")
	}
	if err := world.Insert(e, Position{X: 7}); err != nil {
		t.Fatalf("Insert on empty entity failed: %v", err)
	}
	p, err := dandori.GetComponent[Position](world, e)
	if err != nil || p.X != 7 {
		t.Errorf("Expected X=7 after insert, got %+v (err %v)", p, err)
	}
}

// go test -run ^TestDespawn$ . -count 1
func TestDespawn(t *testing.T) {
	world, _, _, _ := setupWorld(t)
	e, _ := world.Spawn(Position{X: 1})

	if err := world.Despawn(e); err != nil {
		t.Fatalf("Despawn failed: %v", err)
	}
	if world.IsValid(e) {
		t.Error("Entity should be invalid after despawn")
	}
	if world.Len() != 0 {
		t.Errorf("Expected 0 live entities, got %d", world.Len())
	}

	if _, err := dandori.GetComponent[Position](world, e); !errors.Is(err, dandori.ErrUnknownEntity) {
		t.Errorf("Expected ErrUnknownEntity for stale handle, got %v", err)
	}
	if err := world.Despawn(e); !errors.Is(err, dandori.ErrUnknownEntity) {
		t.Errorf("Expected ErrUnknownEntity for double despawn, got %v", err)
	}
}

// go test -run ^TestSlotReuse$ . -count 1
func TestSlotReuse(t *testing.T) {
	world, _, _, _ := setupWorld(t)
	e1, _ := world.Spawn(Position{X: 1})
	if err := world.Despawn(e1); err != nil {
		t.Fatalf("Despawn failed: %v", err)
	}

	e2, _ := world.Spawn(Position{X: 2})
	if e2.ID != e1.ID {
		t.Errorf("Expected recycled slot %d, got %d", e1.ID, e2.ID)
	}
	if e2.Version <= e1.Version {
		t.Errorf("Expected generation to advance, got %d after %d", e2.Version, e1.Version)
	}

	// The stale handle must not resolve to the new occupant.
	if world.IsValid(e1) {
		t.Error("Stale handle resolved after slot reuse")
	}
	p, err := dandori.GetComponent[Position](world, e2)
	if err != nil || p.X != 2 {
		t.Errorf("New occupant has wrong data: %+v (err %v)", p, err)
	}
}

// go test -run ^TestGenerationMonotonic$ . -count 1
func TestGenerationMonotonic(t *testing.T) {
	world, _, _, _ := setupWorld(t)
	var last uint32
	for i := 0; i < 100; i++ {
		e, _ := world.Spawn(Position{})
		if e.Version <= last {
			t.Fatalf("Generation regressed: %d after %d (iteration %d)", e.Version, last, i)
		}
		last = e.Version
		if err := world.Despawn(e); err != nil {
			t.Fatalf("Despawn failed: %v", err)
		}
	}
}

// go test -run ^TestInsert$ . -count 1
func TestInsert(t *testing.T) {
	world, _, _, _ := setupWorld(t)
	e, _ := world.Spawn(Position{X: 1, Y: 2})

	t.Run("OverwriteInPlace", func(t *testing.T) {
		if err := world.Insert(e, Position{X: 10, Y: 20}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		p, _ := dandori.GetComponent[Position](world, e)
		if p.X != 10 || p.Y != 20 {
			t.Errorf("Expected overwrite to {10 20}, got %+v", p)
		}
	})

	t.Run("MigrateOnNewKind", func(t *testing.T) {
		if err := world.Insert(e, Velocity{VX: 3}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		p, err := dandori.GetComponent[Position](world, e)
		if err != nil || p.X != 10 {
			t.Errorf("Position lost during migration: %+v (err %v)", p, err)
		}
		v, err := dandori.GetComponent[Velocity](world, e)
		if err != nil || v.VX != 3 {
			t.Errorf("Velocity missing after migration: %+v (err %v)", v, err)
		}
	})

	t.Run("UnregisteredKind", func(t *testing.T) {
		if err := world.Insert(e, UnregisteredComponent{}); !errors.Is(err, dandori.ErrUnregisteredComponent) {
			t.Errorf("Expected ErrUnregisteredComponent, got %v", err)
		}
	})
}

// go test -run ^TestRemove$ . -count 1
func TestRemove(t *testing.T) {
	world, posID, velID, _ := setupWorld(t)
	e, _ := world.Spawn(Position{X: 1, Y: 2}, Velocity{VX: 3})

	if err := world.Remove(e, velID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if dandori.HasComponent[Velocity](world, e) {
		t.Error("Velocity still present after remove")
	}
	p, err := dandori.GetComponent[Position](world, e)
	if err != nil || p.X != 1 || p.Y != 2 {
		t.Errorf("Position corrupted by remove: %+v (err %v)", p, err)
	}

	// Removing an absent kind is a no-op.
	if err := world.Remove(e, velID); err != nil {
		t.Errorf("Expected no-op removing absent kind, got %v", err)
	}
	if err := world.Remove(e, posID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := dandori.GetComponent[Position](world, e); !errors.Is(err, dandori.ErrKindSetMismatch) {
		t.Errorf("Expected ErrKindSetMismatch, got %v", err)
	}
	if !world.IsValid(e) {
		t.Error("Entity should survive losing all components")
	}
}

// go test -run ^TestSetRemoveComponent$ . -count 1
func TestSetRemoveComponent(t *testing.T) {
	world, _, _, _ := setupWorld(t)
	e := world.SpawnEmpty()

	if err := dandori.SetComponent(world, e, Health{Current: 50, Max: 100}); err != nil {
		t.Fatalf("SetComponent failed: %v", err)
	}
	h, err := dandori.GetComponent[Health](world, e)
	if err != nil || h.Current != 50 {
		t.Errorf("Health incorrect after set: %+v (err %v)", h, err)
	}

	if err := dandori.RemoveComponent[Health](world, e); err != nil {
		t.Fatalf("RemoveComponent failed: %v", err)
	}
	if dandori.HasComponent[Health](world, e) {
		t.Error("Health still present after RemoveComponent")
	}
}

// go test -run ^TestSwapRemoveKeepsRowsConsistent$ . -count 1
func TestSwapRemoveKeepsRowsConsistent(t *testing.T) {
	world, _, _, _ := setupWorld(t)
	entities := make([]dandori.Entity, 5)
	for i := range entities {
		e, err := world.Spawn(Position{X: float32(i)}, Health{Current: i})
		if err != nil {
			t.Fatalf("Spawn failed: %v", err)
		}
		entities[i] = e
	}

	// Removing from the middle swaps the last row in; every survivor must
	// still resolve to its own data across all columns.
	if err := world.Despawn(entities[2]); err != nil {
		t.Fatalf("Despawn failed: %v", err)
	}
	for i, e := range entities {
		if i == 2 {
			continue
		}
		p, err := dandori.GetComponent[Position](world, e)
		if err != nil {
			t.Fatalf("Entity %d lost after swap-remove: %v", i, err)
		}
		if p.X != float32(i) {
			t.Errorf("Entity %d Position is %v, want %d", i, p.X, i)
		}
		h, _ := dandori.GetComponent[Health](world, e)
		if h.Current != i {
			t.Errorf("Entity %d Health is %d, want %d", i, h.Current, i)
		}
	}
}

// go test -run ^TestDropFunction$ . -count 1
func TestDropFunction(t *testing.T) {
	world, _, _, _ := setupWorld(t)
	dropped := 0
	if err := dandori.RegisterComponentDrop(world, func(h *Health) {
		dropped += h.Current
	}); err != nil {
		t.Fatalf("RegisterComponentDrop failed: %v", err)
	}

	e1, _ := world.Spawn(Health{Current: 1})
	e2, _ := world.Spawn(Health{Current: 2})

	if err := world.Despawn(e1); err != nil {
		t.Fatalf("Despawn failed: %v", err)
	}
	if dropped != 1 {
		t.Errorf("Expected drop of cell 1, got total %d", dropped)
	}
	if err := dandori.RemoveComponent[Health](world, e2); err != nil {
		t.Fatalf("RemoveComponent failed: %v", err)
	}
	if dropped != 3 {
		t.Errorf("Expected drops 1+2, got total %d", dropped)
	}
}

// go test -run ^TestDropFunctionOnOverwrite$ . -count 1
func TestDropFunctionOnOverwrite(t *testing.T) {
	world, _, _, _ := setupWorld(t)
	var dropped []int
	if err := dandori.RegisterComponentDrop(world, func(h *Health) {
		dropped = append(dropped, h.Current)
	}); err != nil {
		t.Fatalf("RegisterComponentDrop failed: %v", err)
	}

	e, _ := world.Spawn(Health{Current: 1})

	// Overwriting destroys the old cell; its drop function must run.
	if err := world.Insert(e, Health{Current: 2}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if len(dropped) != 1 || dropped[0] != 1 {
		t.Errorf("Expected drop of old cell 1, got %v", dropped)
	}

	if err := dandori.SetComponent(world, e, Health{Current: 3}); err != nil {
		t.Fatalf("SetComponent failed: %v", err)
	}
	if len(dropped) != 2 || dropped[1] != 2 {
		t.Errorf("Expected drop of old cell 2, got %v", dropped)
	}

	h, err := dandori.GetComponent[Health](world, e)
	if err != nil || h.Current != 3 {
		t.Errorf("Final value wrong after overwrites: %+v (err %v)", h, err)
	}
}

// go test -run ^TestClearEntities$ . -count 1
func TestClearEntities(t *testing.T) {
	world, _, _, _ := setupWorld(t)
	dropped := 0
	_ = dandori.RegisterComponentDrop(world, func(*Health) { dropped++ })

	var handles []dandori.Entity
	for i := 0; i < 10; i++ {
		e, _ := world.Spawn(Health{Current: i}, Position{})
		handles = append(handles, e)
	}

	world.ClearEntities()
	if world.Len() != 0 {
		t.Errorf("Expected empty world, got %d entities", world.Len())
	}
	if dropped != 10 {
		t.Errorf("Expected 10 drops, got %d", dropped)
	}
	for _, e := range handles {
		if world.IsValid(e) {
			t.Errorf("Handle %v still valid after clear", e)
		}
	}

	// The world stays usable after a clear.
	e, err := world.Spawn(Position{X: 9})
	if err != nil {
		t.Fatalf("Spawn after clear failed: %v", err)
	}
	p, err := dandori.GetComponent[Position](world, e)
	if err != nil || p.X != 9 {
		t.Errorf("Spawn after clear returned wrong data: %+v (err %v)", p, err)
	}
}

// go test -run ^TestWithCapacity$ . -count 1
func TestWithCapacity(t *testing.T) {
	world := dandori.NewWorld(dandori.WithCapacity(4096))
	dandori.MustRegisterComponent[Position](world)
	for i := 0; i < 4096; i++ {
		if _, err := world.Spawn(Position{X: float32(i)}); err != nil {
			t.Fatalf("Spawn %d failed: %v", i, err)
		}
	}
	if world.Len() != 4096 {
		t.Errorf("Expected 4096 entities, got %d", world.Len())
	}
}

// go test -run ^TestDirectoryConsistency$ . -count 1
func TestDirectoryConsistency(t *testing.T) {
	world, _, velID, _ := setupWorld(t)
	rng := rand.New(rand.NewSource(42))

	type record struct {
		e      dandori.Entity
		x      float32
		hasVel bool
	}
	var live []record

	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(live) == 0:
			x := float32(step)
			e, err := world.Spawn(Position{X: x})
			if err != nil {
				t.Fatalf("step %d: Spawn failed: %v", step, err)
			}
			live = append(live, record{e: e, x: x})
		case op == 1:
			i := rng.Intn(len(live))
			if err := world.Despawn(live[i].e); err != nil {
				t.Fatalf("step %d: Despawn failed: %v", step, err)
			}
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		case op == 2:
			i := rng.Intn(len(live))
			if err := world.Insert(live[i].e, Velocity{VX: 1}); err != nil {
				t.Fatalf("step %d: Insert failed: %v", step, err)
			}
			live[i].hasVel = true
		default:
			i := rng.Intn(len(live))
			if err := world.Remove(live[i].e, velID); err != nil {
				t.Fatalf("step %d: Remove failed: %v", step, err)
			}
			live[i].hasVel = false
		}
	}

	if world.Len() != len(live) {
		t.Fatalf("Directory count %d does not match expected %d", world.Len(), len(live))
	}
	for _, r := range live {
		p, err := dandori.GetComponent[Position](world, r.e)
		if err != nil {
			t.Fatalf("Live entity %v unresolvable: %v", r.e, err)
		}
		if p.X != r.x {
			t.Errorf("Entity %v has X=%v, want %v", r.e, p.X, r.x)
		}
		if got := dandori.HasComponent[Velocity](world, r.e); got != r.hasVel {
			t.Errorf("Entity %v velocity presence %v, want %v", r.e, got, r.hasVel)
		}
	}
}

// go test -run ^TestComponentIDOf$ . -count 1
func TestComponentIDOf(t *testing.T) {
	world, posID, _, _ := setupWorld(t)
	id, ok := dandori.ComponentIDOf[Position](world)
	if !ok || id != posID {
		t.Errorf("Expected id %d, got %d (ok=%v)", posID, id, ok)
	}
	if _, ok := dandori.ComponentIDOf[UnregisteredComponent](world); ok {
		t.Error("Unregistered kind should not resolve")
	}
}

// go test -run ^TestRegisterComponentDuplicate$ . -count 1
func TestRegisterComponentDuplicate(t *testing.T) {
	world, _, _, _ := setupWorld(t)
	if _, err := dandori.RegisterComponent[Position](world); !errors.Is(err, dandori.ErrDuplicateComponent) {
		t.Errorf("Expected ErrDuplicateComponent, got %v", err)
	}
}
