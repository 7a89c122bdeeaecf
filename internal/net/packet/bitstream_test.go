package packet

import (
	"math"
	"testing"

	"go.uber.org/zap"
)

func TestBitsRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteBits(5, 3)
	w.WriteBool(true)
	w.WriteUInt32(0xDEADBEEF)
	w.WriteBits(0x1FFF, 13)
	w.WriteUInt64(0x0123456789ABCDEF)
	if w.BitLength() != 3+1+32+13+64 {
		t.Fatalf("unexpected bit length %d", w.BitLength())
	}

	r := NewReader(w.Bytes())
	if v := r.ReadBits(3); v != 5 {
		t.Fatalf("bits: %d", v)
	}
	if !r.ReadBool() {
		t.Fatalf("bool")
	}
	if v := r.ReadUInt32(); v != 0xDEADBEEF {
		t.Fatalf("u32: %x", v)
	}
	if v := r.ReadBits(13); v != 0x1FFF {
		t.Fatalf("13 bits: %x", v)
	}
	if v := r.ReadUInt64(); v != 0x0123456789ABCDEF {
		t.Fatalf("u64: %x", v)
	}
	if r.Failed() {
		t.Fatalf("reader should not fail")
	}
}

func TestPackedValues(t *testing.T) {
	uints := []uint32{0, 1, 15, 16, 255, 4096, math.MaxUint32}
	ints := []int32{0, -1, 1, -300, 300, math.MinInt32, math.MaxInt32}
	u64s := []uint64{0, 7, 1 << 40, math.MaxUint64}

	w := NewWriter()
	for _, v := range uints {
		w.WritePackedUInt(v)
	}
	for _, v := range ints {
		w.WritePackedInt(v)
		w.WritePackedIntDelta(v, 1000)
	}
	for _, v := range uints {
		w.WritePackedUIntDelta(v, 77)
	}
	for _, v := range u64s {
		w.WritePackedUInt64(v)
	}

	r := NewReader(w.Bytes())
	for _, v := range uints {
		if got := r.ReadPackedUInt(); got != v {
			t.Fatalf("packed uint %d, got %d", v, got)
		}
	}
	for _, v := range ints {
		if got := r.ReadPackedInt(); got != v {
			t.Fatalf("packed int %d, got %d", v, got)
		}
		if got := r.ReadPackedIntDelta(1000); got != v {
			t.Fatalf("packed int delta %d, got %d", v, got)
		}
	}
	for _, v := range uints {
		if got := r.ReadPackedUIntDelta(77); got != v {
			t.Fatalf("packed uint delta %d, got %d", v, got)
		}
	}
	for _, v := range u64s {
		if got := r.ReadPackedUInt64(); got != v {
			t.Fatalf("packed u64 %d, got %d", v, got)
		}
	}
	if r.Failed() {
		t.Fatalf("unexpected failure")
	}
}

func TestZeroCostsOneNibble(t *testing.T) {
	w := NewWriter()
	w.WritePackedUInt(0)
	if w.BitLength() != 4 {
		t.Fatalf("zero should cost 4 bits, got %d", w.BitLength())
	}
}

func TestReaderOverflowLatches(t *testing.T) {
	r := NewReader([]byte{0xFF})
	_ = r.ReadBits(6)
	if v := r.ReadBits(4); v != 0 || !r.Failed() {
		t.Fatalf("expected latched failure, got v=%d failed=%v", v, r.Failed())
	}
	if r.ReadBits(1) != 0 {
		t.Fatalf("failed reader must keep returning zero")
	}
}

func TestSubReaderIsolation(t *testing.T) {
	w := NewWriter()
	w.WriteBits(0x3, 2)
	w.WriteBits(0xA, 4)
	w.WriteBits(0x1, 1)

	r := NewReader(w.Bytes())
	if r.ReadBits(2) != 0x3 {
		t.Fatalf("prefix")
	}
	sub := r.Sub(4)
	_ = sub.ReadBits(8) // overrun inside the sub-reader
	if !sub.Failed() || r.Failed() {
		t.Fatalf("sub failure must stay local")
	}
	if r.ReadBits(1) != 0x1 {
		t.Fatalf("parent should continue after the sub range")
	}
}

func TestWriteWriterAppendsBits(t *testing.T) {
	inner := NewWriter()
	inner.WriteBits(0x5, 3)
	inner.WritePackedUInt(300)

	outer := NewWriter()
	outer.WriteBits(1, 1)
	outer.WriteWriter(inner)

	r := NewReader(outer.Bytes())
	if r.ReadBits(1) != 1 || r.ReadBits(3) != 0x5 || r.ReadPackedUInt() != 300 {
		t.Fatalf("appended stream mismatch")
	}
}

func TestRegistryRecoversPanics(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(KindSnapshot, []SessionState{StateInGame}, func(any, []byte) error {
		panic("boom")
	})
	if err := reg.Dispatch(nil, StateInGame, []byte{byte(KindSnapshot)}); err == nil {
		t.Fatalf("expected recovered panic as error")
	}
	if err := reg.Dispatch(nil, StateConnecting, []byte{byte(KindSnapshot)}); err == nil {
		t.Fatalf("expected state rejection")
	}
	if err := reg.Dispatch(nil, StateInGame, []byte{99}); err != nil {
		t.Fatalf("unknown kinds are ignored, got %v", err)
	}
}
