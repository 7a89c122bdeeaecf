package changemask

import (
	"math"
	"testing"

	"github.com/l1jgo/ghostnet/internal/net/packet"
)

func TestMaskBits(t *testing.T) {
	mask := make([]uint32, Words(70))
	if len(mask) != 3 {
		t.Fatalf("expected 3 words, got %d", len(mask))
	}
	Set(mask, 0, true)
	Set(mask, 33, true)
	Set(mask, 69, true)
	if !Get(mask, 33) || Get(mask, 32) || Count(mask) != 3 {
		t.Fatalf("unexpected mask state %v", mask)
	}
	Set(mask, 33, false)
	if Get(mask, 33) || Count(mask) != 2 {
		t.Fatalf("clear failed")
	}
	SetRange(mask, 40, 0b101, 3)
	if !Get(mask, 40) || Get(mask, 41) || !Get(mask, 42) {
		t.Fatalf("set range failed")
	}
	Clear(mask)
	if !IsZero(mask) {
		t.Fatalf("clear all failed")
	}
}

func TestMaskWriteIsExactWidth(t *testing.T) {
	for _, n := range []int{0, 1, 31, 32, 33, 70} {
		mask := make([]uint32, Words(n))
		for i := 0; i < n; i += 3 {
			Set(mask, i, true)
		}
		w := packet.NewWriter()
		WriteMask(w, mask, n)
		if w.BitLength() != n {
			t.Fatalf("n=%d wrote %d bits", n, w.BitLength())
		}
		got := make([]uint32, Words(n))
		r := packet.NewReader(w.Bytes())
		ReadMask(r, got, n)
		for i := range mask {
			if mask[i] != got[i] {
				t.Fatalf("n=%d word %d: %x != %x", n, i, got[i], mask[i])
			}
		}
	}
}

func TestDeltaEncoders(t *testing.T) {
	neg := int32(-50)
	w := packet.NewWriter()
	WriteIntDelta(w, uint32(neg), 20)
	WriteUIntDelta(w, 3, math.MaxUint32)
	WriteRawFloat(w, math.Float32bits(1.5))

	r := packet.NewReader(w.Bytes())
	if v := int32(ReadIntDelta(r, 20)); v != neg {
		t.Fatalf("int delta %d", v)
	}
	if v := ReadUIntDelta(r, math.MaxUint32); v != 3 {
		t.Fatalf("uint delta %d", v)
	}
	if v := math.Float32frombits(ReadRawFloat(r)); v != 1.5 {
		t.Fatalf("raw float %v", v)
	}
	if ReadBoolDelta(0) != 1 || ReadBoolDelta(1) != 0 {
		t.Fatalf("bool flip")
	}
}

func TestSmallDeltasStaySmall(t *testing.T) {
	w := packet.NewWriter()
	WriteIntDelta(w, 1001, 1000)
	if w.BitLength() > 8 {
		t.Fatalf("delta of one should be tiny, got %d bits", w.BitLength())
	}
}

func TestQuantize(t *testing.T) {
	if q := Quantize(1.2345, 1000); q != 1235 {
		t.Fatalf("quantize %d", q)
	}
	if v := Dequantize(1235, 1000); math.Abs(float64(v)-1.235) > 1e-6 {
		t.Fatalf("dequantize %v", v)
	}
	if Quantize(float32(math.NaN()), 100) != 0 {
		t.Fatalf("NaN should quantize to zero")
	}
	if Quantize(1e30, 1000) != math.MaxInt32 {
		t.Fatalf("clamp high")
	}
}

func TestPredictLinear(t *testing.T) {
	if p := PredictLinear(100, 90, 2, 1); p != 120 {
		t.Fatalf("predict %d", p)
	}
	if p := PredictLinear(100, 90, 0, 1); p != 100 {
		t.Fatalf("zero target distance keeps b0, got %d", p)
	}
	if p := PredictLinear(math.MaxInt32, 0, 5, 1); p != math.MaxInt32 {
		t.Fatalf("overflow keeps b0, got %d", p)
	}
}
