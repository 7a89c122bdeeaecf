package packet

// Reader consumes a bit stream produced by Writer. Reads past the end never
// touch memory outside data: they return zero and latch the failed flag, which
// callers check once per logical record.
type Reader struct {
	data   []byte
	pos    int // bit position
	end    int // bit limit
	failed bool
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data, end: len(data) * 8}
}

// Failed reports whether any read ran past the limit or hit a malformed value.
func (r *Reader) Failed() bool { return r.failed }

// Fail latches the failed flag; decoders use it for semantic violations.
func (r *Reader) Fail() { r.failed = true }

// RemainingBits returns the unread bit count.
func (r *Reader) RemainingBits() int {
	if r.failed {
		return 0
	}
	return r.end - r.pos
}

// BitPosition returns the current read offset in bits.
func (r *Reader) BitPosition() int { return r.pos }

func (r *Reader) ReadBits(n int) uint32 {
	if n <= 0 {
		return 0
	}
	if r.failed || n > 32 || r.pos+n > r.end {
		r.failed = true
		return 0
	}
	var v uint64
	got := 0
	for got < n {
		idx := r.pos >> 3
		off := uint(r.pos & 7)
		take := 8 - int(off)
		if take > n-got {
			take = n - got
		}
		b := uint64(r.data[idx]>>off) & (1<<uint(take) - 1)
		v |= b << uint(got)
		got += take
		r.pos += take
	}
	return uint32(v)
}

func (r *Reader) ReadBool() bool { return r.ReadBits(1) == 1 }

func (r *Reader) ReadUInt32() uint32 { return r.ReadBits(32) }

func (r *Reader) ReadUInt64() uint64 {
	lo := r.ReadBits(32)
	hi := r.ReadBits(32)
	return uint64(hi)<<32 | uint64(lo)
}

func (r *Reader) ReadPackedUInt() uint32 {
	class := int(r.ReadBits(4))
	if class > 8 {
		r.failed = true
		return 0
	}
	return r.ReadBits(class * 4)
}

func (r *Reader) ReadPackedUInt64() uint64 {
	class := int(r.ReadBits(5))
	if class > 16 {
		r.failed = true
		return 0
	}
	n := class * 4
	if n > 32 {
		lo := r.ReadBits(32)
		hi := r.ReadBits(n - 32)
		return uint64(hi)<<32 | uint64(lo)
	}
	return uint64(r.ReadBits(n))
}

func (r *Reader) ReadPackedInt() int32 {
	return UnZigZag(r.ReadPackedUInt())
}

func (r *Reader) ReadPackedIntDelta(baseline int32) int32 {
	return int32(uint32(baseline) + uint32(r.ReadPackedInt()))
}

func (r *Reader) ReadPackedUIntDelta(baseline uint32) uint32 {
	return baseline + uint32(r.ReadPackedInt())
}

// Sub carves the next n bits into an independent reader and advances past
// them. A failure inside the sub-reader does not affect r.
func (r *Reader) Sub(n int) *Reader {
	if n < 0 || r.failed || r.pos+n > r.end {
		r.failed = true
		return &Reader{data: r.data, failed: true}
	}
	sub := &Reader{data: r.data, pos: r.pos, end: r.pos + n}
	r.pos += n
	return sub
}

// Skip advances n bits.
func (r *Reader) Skip(n int) {
	if n < 0 || r.failed || r.pos+n > r.end {
		r.failed = true
		return
	}
	r.pos += n
}
