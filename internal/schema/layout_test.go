package schema

import (
	"errors"
	"testing"
)

func testTypes() []GhostType {
	return []GhostType{
		{
			Name: "Player",
			Mode: ModeOwnerPredicted,
			Components: []Component{
				{Name: "Turret", Child: 1, Fields: []Field{{Name: "yaw", Kind: KindQuantized, Quantization: 100, Smoothing: SmoothInterpolate}}},
				{Name: "Transform", Fields: []Field{
					{Name: "x", Kind: KindQuantized, Quantization: 1000, Smoothing: SmoothInterpolate},
					{Name: "y", Kind: KindQuantized, Quantization: 1000, Smoothing: SmoothInterpolate},
				}},
				{Name: "Health", Enableable: true, Fields: []Field{{Name: "hp", Kind: KindInt}}},
				{Name: "Input", Send: SendOwnerOnly, Fields: []Field{{Name: "seq", Kind: KindUInt}}},
				{Name: "Inventory", Fields: []Field{{
					Name: "items", Kind: KindBuffer, MaxLength: 4,
					Element: []ElementField{{Name: "id", Kind: KindUInt}, {Name: "count", Kind: KindInt}},
				}}},
			},
		},
		{
			Name:       "Crate",
			Components: []Component{{Name: "Transform", Fields: []Field{{Name: "open", Kind: KindBool}}}},
		},
	}
}

func TestCompileLayout(t *testing.T) {
	col, err := Compile(testTypes())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	l, ok := col.ByName("Player")
	if !ok {
		t.Fatalf("player missing")
	}
	if len(l.Fields) != 6 {
		t.Fatalf("expected 6 fields, got %d", len(l.Fields))
	}
	// Child components are ordered after every root component.
	last := l.Fields[len(l.Fields)-1]
	if last.Name != "child1/Turret.yaw" {
		t.Fatalf("child field should be last, got %s", last.Name)
	}
	if l.EnableBits != 1 || l.ChangeBits != 7 {
		t.Fatalf("unexpected bit counts enable=%d change=%d", l.EnableBits, l.ChangeBits)
	}
	if l.SnapshotSize%16 != 0 {
		t.Fatalf("snapshot size %d not aligned", l.SnapshotSize)
	}
	// tick + 1 change word + 1 enable word + 5 scalars + 1 buffer slot = 4+4+4+20+8 = 40 -> 48.
	if l.SnapshotSize != 48 {
		t.Fatalf("unexpected snapshot size %d", l.SnapshotSize)
	}
	if l.DynamicCapacity != 4*2*4 {
		t.Fatalf("unexpected dynamic capacity %d", l.DynamicCapacity)
	}
	seq := l.Fields[l.MustField("Input.seq")]
	if seq.Send != SendOwnerOnly {
		t.Fatalf("component send mode should propagate, got %s", seq.Send)
	}
	if _, ok := l.FieldIndex("Transform.z"); ok {
		t.Fatalf("unexpected field")
	}
}

func TestHashTracksWireFormat(t *testing.T) {
	a, err := Compile(testTypes())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b, _ := Compile(testTypes())
	if a.Types[0].Hash != b.Types[0].Hash || a.Hash != b.Hash {
		t.Fatalf("hash must be deterministic")
	}

	changed := testTypes()
	changed[0].Components[1].Fields[0].Quantization = 100
	c, _ := Compile(changed)
	if c.Types[0].Hash == a.Types[0].Hash {
		t.Fatalf("quantization change must alter hash")
	}
	if c.Types[1].Hash != a.Types[1].Hash {
		t.Fatalf("unrelated type hash changed")
	}

	if err := a.Verify(0, c.Types[0].Hash); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := a.Verify(0, a.Types[0].Hash); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := a.Verify(9, 0); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("unknown index should mismatch")
	}
}

func TestCompileRejectsBadSchemas(t *testing.T) {
	cases := map[string][]GhostType{
		"empty name":       {{Name: ""}},
		"zero quantize":    {{Name: "A", Components: []Component{{Name: "C", Fields: []Field{{Name: "f", Kind: KindQuantized}}}}}},
		"buffer no length": {{Name: "A", Components: []Component{{Name: "C", Fields: []Field{{Name: "b", Kind: KindBuffer, Element: []ElementField{{Name: "v"}}}}}}}},
		"nested buffer": {{Name: "A", Components: []Component{{Name: "C", Fields: []Field{{
			Name: "b", Kind: KindBuffer, MaxLength: 2, Element: []ElementField{{Name: "v", Kind: KindBuffer}},
		}}}}}},
		"duplicate type": {{Name: "A"}, {Name: "A"}},
		"duplicate field": {{Name: "A", Components: []Component{{Name: "C", Fields: []Field{
			{Name: "f", Kind: KindInt}, {Name: "f", Kind: KindInt},
		}}}}},
		"scalar with max": {{Name: "A", Components: []Component{{Name: "C", Fields: []Field{{Name: "f", Kind: KindInt, MaxLength: 3}}}}}},
	}
	for name, types := range cases {
		if _, err := Compile(types); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSendModeAllows(t *testing.T) {
	if !SendOwnerOnly.Allows(true, false) || SendOwnerOnly.Allows(false, true) {
		t.Fatalf("owner only")
	}
	if SendInterpolatedOnly.Allows(false, true) || !SendPredictedOnly.Allows(false, true) {
		t.Fatalf("predicted/interpolated")
	}
	if SendNever.Allows(true, true) {
		t.Fatalf("never")
	}
	if !ModeOwnerPredicted.PredictedBy(true) || ModeOwnerPredicted.PredictedBy(false) {
		t.Fatalf("owner predicted")
	}
}

func TestParsers(t *testing.T) {
	if k, err := ParseKind("Quantized"); err != nil || k != KindQuantized {
		t.Fatalf("kind: %v %v", k, err)
	}
	if _, err := ParseKind("vector"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if m, err := ParseSendMode(""); err != nil || m != SendAll {
		t.Fatalf("default send mode")
	}
	if m, err := ParseGhostMode("owner_predicted"); err != nil || m != ModeOwnerPredicted {
		t.Fatalf("ghost mode")
	}
	if s, err := ParseSmoothing("interpolate"); err != nil || s != SmoothInterpolate {
		t.Fatalf("smoothing")
	}
}
