package ghost

import (
	"testing"

	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/schema"
	"github.com/l1jgo/ghostnet/internal/tick"
)

func testCollection(t *testing.T) *schema.Collection {
	t.Helper()
	col, err := schema.Compile([]schema.GhostType{{
		Name: "Ship",
		Mode: schema.ModeOwnerPredicted,
		Components: []schema.Component{
			{Name: "Transform", Fields: []schema.Field{
				{Name: "x", Kind: schema.KindQuantized, Quantization: 100},
				{Name: "heading", Kind: schema.KindFloat},
			}},
			{Name: "Shield", Enableable: true, Fields: []schema.Field{{Name: "hp", Kind: schema.KindInt}}},
			{Name: "Cargo", Fields: []schema.Field{{
				Name: "crates", Kind: schema.KindBuffer, MaxLength: 3,
				Element: []schema.ElementField{{Name: "id", Kind: schema.KindUInt}},
			}}},
		},
	}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return col
}

func TestStateAccessors(t *testing.T) {
	col := testCollection(t)
	l := col.Types[0]
	s := NewState(l)
	x, heading, hp, crates := l.MustField("Transform.x"), l.MustField("Transform.heading"), l.MustField("Shield.hp"), l.MustField("Cargo.crates")

	s.SetFloat(x, 1.234)
	if s.Int(x) != 123 {
		t.Fatalf("quantized storage %d", s.Int(x))
	}
	s.SetFloat(heading, 0.5)
	if s.Float(heading) != 0.5 {
		t.Fatalf("raw float %v", s.Float(heading))
	}
	s.SetInt(hp, -4)
	s.SetBufferLen(crates, 2)
	s.SetElement(crates, 1, 0, 99)
	if s.BufferLen(crates) != 2 || s.Element(crates, 1, 0) != 99 {
		t.Fatalf("buffer accessors")
	}
	if !s.ComponentEnabled(1) {
		t.Fatalf("components start enabled")
	}

	c := s.Clone()
	if !c.Equal(s, 0) {
		t.Fatalf("clone differs")
	}
	c.SetFloat(heading, 0.5005)
	if !c.Equal(s, 0.001) || c.Equal(s, 0.0001) {
		t.Fatalf("float tolerance not applied")
	}
	c.SetFloat(heading, 0.5)
	c.SetInt(hp, -5)
	if c.Equal(s, 1) {
		t.Fatalf("ints must match exactly")
	}
	c.SetInt(hp, -4)
	c.SetComponentEnabled(1, false)
	if c.Equal(s, 0) {
		t.Fatalf("enable state ignored")
	}
}

func TestStoreLifecycle(t *testing.T) {
	col := testCollection(t)
	st := NewStore(ecs.NewWorld(), col)

	a, _, err := st.Spawn(Info{NetID: 5, Type: 0, Owner: 1, SpawnTick: tick.New(10)})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, _, err := st.Spawn(Info{NetID: 5}); err == nil {
		t.Fatalf("duplicate net id accepted")
	}
	if _, _, err := st.Spawn(Info{NetID: 6, Type: 3}); err == nil {
		t.Fatalf("unknown type accepted")
	}
	b, _, _ := st.Spawn(Info{NetID: 2, Type: 0, Owner: NoOwner})

	ids := st.Sorted()
	if len(ids) != 2 || ids[0] != b || ids[1] != a {
		t.Fatalf("ghosts not sorted by net id")
	}
	info, _ := st.Info(a)
	if info.Mode != schema.ModeOwnerPredicted {
		t.Fatalf("mode not taken from type")
	}

	st.Despawn(a)
	st.World().FlushDestroyQueue()
	if _, ok := st.ByNetID(5); ok {
		t.Fatalf("despawned ghost still resolvable")
	}
	if _, ok := st.State(a); ok {
		t.Fatalf("stale entity id resolved")
	}
	if len(st.Sorted()) != 1 {
		t.Fatalf("order not refreshed")
	}

	if err := st.Rebind(b, 9); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if id, ok := st.ByNetID(9); !ok || id != b {
		t.Fatalf("rebind lookup")
	}
	if _, ok := st.ByNetID(2); ok {
		t.Fatalf("old net id kept")
	}
}
