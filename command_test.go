package dandori

import (
	"errors"
	"testing"
)

type cmdPos struct{ X, Y float32 }
type cmdHP struct{ Current int }
type cmdClock struct{ Frame int }

func setupCommandWorld(t *testing.T) (*World, ComponentID) {
	t.Helper()
	w := NewWorld()
	MustRegisterComponent[cmdPos](w)
	hpID := MustRegisterComponent[cmdHP](w)
	return w, hpID
}

func TestCommandBufferDefersUntilApply(t *testing.T) {
	w, _ := setupCommandWorld(t)
	buf := newCommandBuffer(w)

	e := buf.Spawn(cmdPos{X: 1})
	if !e.IsProvisional() {
		t.Fatal("Expected a provisional handle from a buffered spawn")
	}
	if buf.Len() != 1 {
		t.Errorf("Expected 1 pending command, got %d", buf.Len())
	}
	if w.Len() != 0 {
		t.Fatalf("Buffered spawn mutated the world before apply")
	}

	if errs := buf.apply(w); len(errs) != 0 {
		t.Fatalf("apply returned errors: %v", errs)
	}
	if w.Len() != 1 {
		t.Errorf("Expected 1 entity after apply, got %d", w.Len())
	}
	if buf.Len() != 0 {
		t.Errorf("Buffer not drained, %d commands remain", buf.Len())
	}
}

func TestCommandBufferProvisionalResolution(t *testing.T) {
	w, hpID := setupCommandWorld(t)
	buf := newCommandBuffer(w)

	// Later commands in the same buffer reference the provisional handle.
	e := buf.Spawn(cmdPos{X: 1})
	buf.Insert(e, cmdHP{Current: 50})

	if errs := buf.apply(w); len(errs) != 0 {
		t.Fatalf("apply returned errors: %v", errs)
	}
	if w.Len() != 1 {
		t.Fatalf("Expected 1 entity, got %d", w.Len())
	}

	real := Entity{ID: 0, Version: w.metas[0].version}
	h, err := GetComponent[cmdHP](w, real)
	if err != nil || h.Current != 50 {
		t.Errorf("Insert on provisional handle lost: %+v (err %v)", h, err)
	}

	// Remove through a fresh buffer using the committed handle.
	buf2 := newCommandBuffer(w)
	buf2.Remove(real, hpID)
	if errs := buf2.apply(w); len(errs) != 0 {
		t.Fatalf("apply returned errors: %v", errs)
	}
	if HasComponent[cmdHP](w, real) {
		t.Error("Component still present after buffered remove")
	}
}

func TestCommandBufferSpawnThenDespawn(t *testing.T) {
	w, _ := setupCommandWorld(t)
	buf := newCommandBuffer(w)

	e := buf.Spawn(cmdPos{X: 1})
	buf.Despawn(e)

	if errs := buf.apply(w); len(errs) != 0 {
		t.Fatalf("apply returned errors: %v", errs)
	}
	if w.Len() != 0 {
		t.Errorf("Expected spawn+despawn to cancel out, %d entities remain", w.Len())
	}
}

func TestCommandBufferCrossBufferProvisional(t *testing.T) {
	w, _ := setupCommandWorld(t)
	bufA := newCommandBuffer(w)
	bufB := newCommandBuffer(w)

	// A provisional handle is private to its buffer; another buffer cannot
	// resolve it.
	e := bufA.Spawn(cmdPos{})
	bufB.Insert(e, cmdHP{Current: 1})

	if errs := bufA.apply(w); len(errs) != 0 {
		t.Fatalf("bufA apply returned errors: %v", errs)
	}
	errs := bufB.apply(w)
	if len(errs) != 1 || !errors.Is(errs[0], ErrUnknownEntity) {
		t.Errorf("Expected one ErrUnknownEntity, got %v", errs)
	}
}

func TestCommandBufferCollectsErrors(t *testing.T) {
	w, _ := setupCommandWorld(t)
	live, _ := w.Spawn(cmdPos{X: 1})
	stale := live
	if err := w.Despawn(live); err != nil {
		t.Fatalf("Despawn failed: %v", err)
	}

	buf := newCommandBuffer(w)
	buf.Despawn(stale)
	buf.Spawn(cmdPos{X: 2})
	buf.Insert(stale, cmdHP{})

	errs := buf.apply(w)
	if len(errs) != 2 {
		t.Fatalf("Expected 2 errors, got %d: %v", len(errs), errs)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrUnknownEntity) {
			t.Errorf("Expected ErrUnknownEntity, got %v", err)
		}
	}
	// The failing commands did not stop the spawn in between.
	if w.Len() != 1 {
		t.Errorf("Expected the sandwiched spawn to commit, got %d entities", w.Len())
	}
}

func TestCommandBufferSetResource(t *testing.T) {
	w, _ := setupCommandWorld(t)
	clockID := MustRegisterResource(w, &cmdClock{Frame: 1})

	buf := newCommandBuffer(w)
	buf.SetResource(clockID, cmdClock{Frame: 42})
	if errs := buf.apply(w); len(errs) != 0 {
		t.Fatalf("apply returned errors: %v", errs)
	}

	c, ok := GetResource[cmdClock](w)
	if !ok || c.Frame != 42 {
		t.Errorf("Expected Frame=42, got %+v (ok=%v)", c, ok)
	}

	t.Run("TypeMismatch", func(t *testing.T) {
		buf.SetResource(clockID, "not a clock")
		errs := buf.apply(w)
		if len(errs) != 1 {
			t.Fatalf("Expected 1 error, got %v", errs)
		}
		if c.Frame != 42 {
			t.Errorf("Mismatched set clobbered the resource: %+v", c)
		}
	})
}

func TestCommandBufferDefer(t *testing.T) {
	w, _ := setupCommandWorld(t)
	buf := newCommandBuffer(w)

	ran := false
	buf.Defer(func(w *World) error {
		ran = true
		_, err := w.Spawn(cmdPos{X: 5})
		return err
	})
	buf.Defer(func(*World) error {
		return errors.New("boom")
	})

	errs := buf.apply(w)
	if !ran {
		t.Fatal("Deferred function did not run")
	}
	if w.Len() != 1 {
		t.Errorf("Deferred spawn missing, got %d entities", w.Len())
	}
	if len(errs) != 1 || errs[0].Error() != "boom" {
		t.Errorf("Expected the deferred error, got %v", errs)
	}
}

func TestProvisionalHandlesNeverResolveDirectly(t *testing.T) {
	w, _ := setupCommandWorld(t)
	buf := newCommandBuffer(w)
	e := buf.Spawn(cmdPos{})

	if w.IsValid(e) {
		t.Error("Provisional handle should not validate against the directory")
	}
	if _, err := GetComponent[cmdPos](w, e); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("Expected ErrUnknownEntity, got %v", err)
	}
}
