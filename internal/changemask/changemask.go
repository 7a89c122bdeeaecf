// Package changemask packs per-field "changed since baseline" and "enabled"
// flags into 32-bit words and provides the delta encoders every replicated
// field goes through. Encoders and decoders consume exactly the same bits for
// a given mask pattern, so fixed-size fields need no length prefix.
package changemask

import (
	"math"
	"math/bits"

	"github.com/l1jgo/ghostnet/internal/net/packet"
)

// Words returns how many 32-bit words hold n flag bits.
func Words(n int) int {
	return (n + 31) / 32
}

func Set(mask []uint32, bit int, on bool) {
	w, b := bit>>5, uint(bit&31)
	if on {
		mask[w] |= 1 << b
	} else {
		mask[w] &^= 1 << b
	}
}

func Get(mask []uint32, bit int) bool {
	return mask[bit>>5]&(1<<uint(bit&31)) != 0
}

// SetRange writes n low bits of v starting at bit off.
func SetRange(mask []uint32, off int, v uint32, n int) {
	for i := 0; i < n; i++ {
		Set(mask, off+i, v&(1<<uint(i)) != 0)
	}
}

func Clear(mask []uint32) {
	for i := range mask {
		mask[i] = 0
	}
}

func IsZero(mask []uint32) bool {
	for _, w := range mask {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of set bits.
func Count(mask []uint32) int {
	n := 0
	for _, w := range mask {
		n += bits.OnesCount32(w)
	}
	return n
}

// WriteMask writes exactly n bits of mask.
func WriteMask(w *packet.Writer, mask []uint32, n int) {
	for i := 0; n > 0; i++ {
		take := n
		if take > 32 {
			take = 32
		}
		w.WriteBits(mask[i], take)
		n -= take
	}
}

// ReadMask fills mask with exactly n bits.
func ReadMask(r *packet.Reader, mask []uint32, n int) {
	for i := 0; n > 0; i++ {
		take := n
		if take > 32 {
			take = 32
		}
		mask[i] = r.ReadBits(take)
		n -= take
	}
}

// Value encoders. Each is only called for fields whose change bit is set.

func WriteIntDelta(w *packet.Writer, v, baseline uint32) {
	w.WritePackedIntDelta(int32(v), int32(baseline))
}

func ReadIntDelta(r *packet.Reader, baseline uint32) uint32 {
	return uint32(r.ReadPackedIntDelta(int32(baseline)))
}

func WriteUIntDelta(w *packet.Writer, v, baseline uint32) {
	w.WritePackedUIntDelta(v, baseline)
}

func ReadUIntDelta(r *packet.Reader, baseline uint32) uint32 {
	return r.ReadPackedUIntDelta(baseline)
}

// A changed bool is the negation of its baseline; it costs no payload bits.
func ReadBoolDelta(baseline uint32) uint32 {
	if baseline != 0 {
		return 0
	}
	return 1
}

func WriteRawFloat(w *packet.Writer, v uint32) {
	w.WriteUInt32(v)
}

func ReadRawFloat(r *packet.Reader) uint32 {
	return r.ReadUInt32()
}

// Quantize converts a float to its fixed-point wire value. NaN maps to zero.
func Quantize(v float32, factor float32) int32 {
	if v != v {
		return 0
	}
	q := math.Round(float64(v) * float64(factor))
	if q > math.MaxInt32 {
		return math.MaxInt32
	}
	if q < math.MinInt32 {
		return math.MinInt32
	}
	return int32(q)
}

func Dequantize(q int32, factor float32) float32 {
	return float32(float64(q) / float64(factor))
}

// PredictLinear extrapolates the newest baseline along the slope between the
// two newest baselines, using integer arithmetic only so both peers agree.
// dtTarget and dtBaselines are tick distances (target-b0, b0-b1).
func PredictLinear(b0, b1 int32, dtTarget, dtBaselines int32) int32 {
	if dtBaselines <= 0 || dtTarget <= 0 {
		return b0
	}
	slope := int64(b0) - int64(b1)
	p := int64(b0) + slope*int64(dtTarget)/int64(dtBaselines)
	if p > math.MaxInt32 || p < math.MinInt32 {
		return b0
	}
	return int32(p)
}
