package packet

import "math/bits"

// Writer appends values to a bit stream, least significant bit first.
// Whole bytes land in buf; up to seven pending bits wait in scratch.
type Writer struct {
	buf     []byte
	scratch uint64
	pending int
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 256)}
}

// Reset empties the writer while keeping its backing array.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.scratch = 0
	w.pending = 0
}

// WriteBits writes the low n bits of v (0 <= n <= 32).
func (w *Writer) WriteBits(v uint32, n int) {
	if n <= 0 {
		return
	}
	if n < 32 {
		v &= 1<<uint(n) - 1
	}
	w.scratch |= uint64(v) << uint(w.pending)
	w.pending += n
	for w.pending >= 8 {
		w.buf = append(w.buf, byte(w.scratch))
		w.scratch >>= 8
		w.pending -= 8
	}
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

// WriteUInt32 writes 32 raw bits.
func (w *Writer) WriteUInt32(v uint32) { w.WriteBits(v, 32) }

// WriteUInt64 writes 64 raw bits.
func (w *Writer) WriteUInt64(v uint64) {
	w.WriteBits(uint32(v), 32)
	w.WriteBits(uint32(v>>32), 32)
}

// WritePackedUInt writes a 4-bit nibble count followed by that many nibbles,
// so zero costs 4 bits and small magnitudes stay small.
func (w *Writer) WritePackedUInt(v uint32) {
	class := (bits.Len32(v) + 3) / 4
	w.WriteBits(uint32(class), 4)
	w.WriteBits(v, class*4)
}

// WritePackedUInt64 is WritePackedUInt with a 5-bit nibble count.
func (w *Writer) WritePackedUInt64(v uint64) {
	class := (bits.Len64(v) + 3) / 4
	w.WriteBits(uint32(class), 5)
	n := class * 4
	if n > 32 {
		w.WriteBits(uint32(v), 32)
		w.WriteBits(uint32(v>>32), n-32)
		return
	}
	w.WriteBits(uint32(v), n)
}

// WritePackedInt writes a zigzag-encoded signed value.
func (w *Writer) WritePackedInt(v int32) {
	w.WritePackedUInt(ZigZag(v))
}

// WritePackedIntDelta encodes v relative to baseline.
func (w *Writer) WritePackedIntDelta(v, baseline int32) {
	w.WritePackedInt(int32(uint32(v) - uint32(baseline)))
}

// WritePackedUIntDelta encodes v relative to baseline using the wrapped
// difference, so any pair of uint32 values round-trips.
func (w *Writer) WritePackedUIntDelta(v, baseline uint32) {
	w.WritePackedInt(int32(v - baseline))
}

// WriteWriter appends every bit written to other.
func (w *Writer) WriteWriter(other *Writer) {
	for _, b := range other.buf {
		w.WriteBits(uint32(b), 8)
	}
	w.WriteBits(uint32(other.scratch), other.pending)
}

// BitLength returns the number of bits written so far.
func (w *Writer) BitLength() int {
	return len(w.buf)*8 + w.pending
}

// Len returns the byte length Bytes would produce.
func (w *Writer) Len() int {
	return (w.BitLength() + 7) / 8
}

// Bytes returns the stream padded with zero bits to a byte boundary.
// The writer can keep appending afterwards.
func (w *Writer) Bytes() []byte {
	if w.pending == 0 {
		return w.buf
	}
	out := make([]byte, len(w.buf)+1)
	copy(out, w.buf)
	out[len(w.buf)] = byte(w.scratch)
	return out
}

// ZigZag maps signed values onto unsigned ones with small magnitudes first.
func ZigZag(v int32) uint32 {
	return uint32(v<<1) ^ uint32(v>>31)
}

// UnZigZag inverts ZigZag.
func UnZigZag(v uint32) int32 {
	return int32(v>>1) ^ -int32(v&1)
}
