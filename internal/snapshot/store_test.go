package snapshot

import (
	"errors"
	"testing"

	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/schema"
	"github.com/l1jgo/ghostnet/internal/tick"
)

func testTypes(t *testing.T) *schema.Collection {
	t.Helper()
	col, err := schema.Compile([]schema.GhostType{{
		Name: "Drone",
		Components: []schema.Component{
			{Name: "Transform", Fields: []schema.Field{
				{Name: "x", Kind: schema.KindQuantized, Quantization: 10, Smoothing: schema.SmoothInterpolate},
				{Name: "mode", Kind: schema.KindInt},
			}},
			{Name: "Beacon", Enableable: true, Fields: []schema.Field{{Name: "on", Kind: schema.KindBool}}},
			{Name: "Path", Fields: []schema.Field{{
				Name: "points", Kind: schema.KindBuffer, MaxLength: 4,
				Element: []schema.ElementField{{Name: "x", Kind: schema.KindInt}, {Name: "y", Kind: schema.KindInt}},
			}}},
		},
	}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return col
}

func setup(t *testing.T, slots int) (*Store, ecs.EntityID, *ghost.State) {
	col := testTypes(t)
	s := NewStore(col, slots)
	id := ecs.NewEntityID(1, 1)
	if err := s.Track(id, 0); err != nil {
		t.Fatalf("track: %v", err)
	}
	return s, id, ghost.NewState(col.Types[0])
}

func TestWriteReadAndOverwrite(t *testing.T) {
	s, id, st := setup(t, 4)
	x := st.Layout.MustField("Transform.x")
	points := st.Layout.MustField("Path.points")

	st.SetFloat(x, 1)
	st.SetBufferLen(points, 2)
	st.SetElement(points, 1, 1, 42)
	if err := s.WriteState(id, tick.New(10), st); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, ok := s.ReadAtTick(id, tick.New(10))
	if !ok || !v.Tick().Equal(tick.New(10)) {
		t.Fatalf("read back failed")
	}
	if v.Value(x) != 10 || v.BufferLen(points) != 2 || v.BufferWord(points, 3) != 42 {
		t.Fatalf("unexpected stored values")
	}
	if !v.Changed(st.Layout.Fields[x].MaskBit) {
		t.Fatalf("first snapshot marks every field changed")
	}

	// Same tick again overwrites in place.
	st.SetFloat(x, 2)
	if err := s.WriteState(id, tick.New(10), st); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if ticks := s.Ticks(id, nil); len(ticks) != 1 {
		t.Fatalf("overwrite added a slot: %v", ticks)
	}
	v, _ = s.ReadAtTick(id, tick.New(10))
	if v.Value(x) != 20 {
		t.Fatalf("overwrite lost")
	}

	if err := s.WriteState(id, tick.New(11), st); err != nil {
		t.Fatalf("write 11: %v", err)
	}
	v, _ = s.Latest(id)
	if v.AnyChanged() {
		t.Fatalf("unchanged state should produce an empty change mask")
	}
	if err := s.WriteState(id, tick.New(9), st); !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale, got %v", err)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	s, id, st := setup(t, 3)
	for i := uint32(1); i <= 5; i++ {
		if err := s.WriteState(id, tick.New(i), st); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if _, ok := s.ReadAtTick(id, tick.New(2)); ok {
		t.Fatalf("tick 2 should be evicted")
	}
	ticks := s.Ticks(id, nil)
	if len(ticks) != 3 || !ticks[0].Equal(tick.New(5)) || !ticks[2].Equal(tick.New(3)) {
		t.Fatalf("unexpected ring contents %v", ticks)
	}
}

func TestDynamicCapacityBoundary(t *testing.T) {
	s, id, st := setup(t, 2)
	l := st.Layout
	points := l.MustField("Path.points")

	st.SetBufferLen(points, 4)
	if err := s.WriteState(id, tick.New(1), st); err != nil {
		t.Fatalf("buffer at max length must fit: %v", err)
	}
	st.SetBufferLen(points, 5)
	err := s.WriteState(id, tick.New(2), st)
	var capErr *CapacityError
	if !errors.As(err, &capErr) || !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	fixed := make([]byte, l.SnapshotSize)
	if err := s.Write(id, tick.New(3), Snapshot{Fixed: fixed, Dynamic: make([]byte, l.DynamicCapacity)}); err != nil {
		t.Fatalf("exact capacity raw write: %v", err)
	}
	if err := s.Write(id, tick.New(4), Snapshot{Fixed: fixed, Dynamic: make([]byte, l.DynamicCapacity+1)}); !errors.Is(err, ErrCapacity) {
		t.Fatalf("one byte over capacity must fail, got %v", err)
	}

	// A buffer slot pointing past the supplied dynamic data is rejected.
	le.PutUint32(fixed[l.Fields[points].Offset:], 1)
	le.PutUint32(fixed[l.Fields[points].Offset+4:], uint32(l.DynamicCapacity-4))
	if err := s.Write(id, tick.New(5), Snapshot{Fixed: fixed, Dynamic: make([]byte, l.DynamicCapacity)}); !errors.Is(err, ErrCapacity) {
		t.Fatalf("out of range buffer slot accepted: %v", err)
	}
}

func TestViewAtAndBlend(t *testing.T) {
	s, id, st := setup(t, 8)
	x := st.Layout.MustField("Transform.x")
	mode := st.Layout.MustField("Transform.mode")

	st.SetFloat(x, 0)
	st.SetInt(mode, 1)
	_ = s.WriteState(id, tick.New(10), st)
	st.SetFloat(x, 4)
	st.SetInt(mode, 2)
	_ = s.WriteState(id, tick.New(12), st)

	d, ok := s.ViewAt(id, tick.New(11), 0)
	if !ok || !d.From.Tick().Equal(tick.New(10)) || !d.To.Tick().Equal(tick.New(12)) || d.Alpha != 0.5 {
		t.Fatalf("unexpected bracket %+v", d)
	}
	out := ghost.NewState(st.Layout)
	d.Blend(out)
	if out.Float(x) != 2 {
		t.Fatalf("interpolated x %v", out.Float(x))
	}
	if out.Int(mode) != 1 {
		t.Fatalf("clamped field should hold the older value, got %d", out.Int(mode))
	}

	d, _ = s.ViewAt(id, tick.New(20), 0.3)
	if !d.From.Tick().Equal(tick.New(12)) || !d.To.Tick().Equal(tick.New(12)) {
		t.Fatalf("target past newest should clamp")
	}
	d, _ = s.ViewAt(id, tick.New(5), 0)
	if !d.From.Tick().Equal(tick.New(10)) {
		t.Fatalf("target before oldest should clamp to oldest")
	}

	if _, ok := s.InterpolatedView(id, tick.New(10), tick.New(11), 0.5); ok {
		t.Fatalf("missing tick must not produce a view")
	}
}

func TestViewsDoNotAllocate(t *testing.T) {
	s, id, st := setup(t, 8)
	_ = s.WriteState(id, tick.New(1), st)
	_ = s.WriteState(id, tick.New(2), st)
	allocs := testing.AllocsPerRun(100, func() {
		d, _ := s.InterpolatedView(id, tick.New(1), tick.New(2), 0.25)
		_ = d.From.Value(0)
		_, _ = s.ViewAt(id, tick.New(1), 0.5)
	})
	if allocs != 0 {
		t.Fatalf("views allocated %v times", allocs)
	}
}

func TestRemoveDropsHistory(t *testing.T) {
	s, id, st := setup(t, 2)
	_ = s.WriteState(id, tick.New(1), st)
	s.Remove(id)
	if _, ok := s.Latest(id); ok || s.Tracked(id) {
		t.Fatalf("history survived removal")
	}
	if err := s.WriteState(id, tick.New(2), st); err == nil {
		t.Fatalf("write to removed ghost accepted")
	}
}
