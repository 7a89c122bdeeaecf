package ecs

import "testing"

func TestGenerationInvalidatesStaleIDs(t *testing.T) {
	w := NewWorld()
	store := NewPtrComponentStore[int]()
	w.Register(store)

	a := w.CreateEntity()
	v := 7
	store.Set(a, &v)
	var hooked []EntityID
	w.OnDestroy(func(id EntityID) { hooked = append(hooked, id) })

	w.MarkForDestruction(a)
	w.MarkForDestruction(a)
	if !w.Alive(a) || !w.PendingDestruction(a) {
		t.Fatalf("entity should stay alive until flush")
	}
	if n := w.FlushDestroyQueue(); n != 1 {
		t.Fatalf("expected one destroyed, got %d", n)
	}
	if w.Alive(a) || store.Has(a) || len(hooked) != 1 {
		t.Fatalf("destroyed entity still visible")
	}

	b := w.CreateEntity()
	if b.Index() != a.Index() || b.Generation() == a.Generation() {
		t.Fatalf("slot should be reused with a new generation: a=%x b=%x", a, b)
	}
	if w.Alive(a) || !w.Alive(b) {
		t.Fatalf("stale id resolved")
	}
	if b.IsZero() {
		t.Fatalf("live ids are never zero")
	}
}

func TestSortedAndEach2(t *testing.T) {
	w := NewWorld()
	keys := NewPtrComponentStore[uint64]()
	names := NewPtrComponentStore[string]()
	for _, k := range []uint64{30, 10, 20} {
		id := w.CreateEntity()
		kk := k
		keys.Set(id, &kk)
		if k != 20 {
			s := "x"
			names.Set(id, &s)
		}
	}
	ids := keys.Sorted(func(_ EntityID, k *uint64) uint64 { return *k }, nil)
	var got []uint64
	for _, id := range ids {
		k, _ := keys.Get(id)
		got = append(got, *k)
	}
	if len(got) != 3 || got[0] != 10 || got[1] != 20 || got[2] != 30 {
		t.Fatalf("unexpected order %v", got)
	}
	n := 0
	Each2(keys, names, func(EntityID, *uint64, *string) { n++ })
	if n != 2 {
		t.Fatalf("expected 2 joined entities, got %d", n)
	}
}
