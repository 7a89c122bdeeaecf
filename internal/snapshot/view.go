package snapshot

import (
	"encoding/binary"

	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/schema"
	"github.com/l1jgo/ghostnet/internal/tick"
)

var le = binary.LittleEndian

// View is a read-only window onto one stored snapshot. It aliases ring
// memory and is valid until the slot is overwritten.
type View struct {
	Layout  *schema.Layout
	Fixed   []byte
	Dynamic []byte
}

func (v View) Valid() bool { return v.Layout != nil }

func (v View) Tick() tick.Tick { return tick.Deserialize(le.Uint32(v.Fixed)) }

// Changed reports the change-mask bit stored with the snapshot.
func (v View) Changed(bit int) bool {
	w := le.Uint32(v.Fixed[v.Layout.ChangeMaskOffset+4*(bit>>5):])
	return w&(1<<uint(bit&31)) != 0
}

// AnyChanged reports whether any change bit is set.
func (v View) AnyChanged() bool {
	for i := 0; i < v.Layout.ChangeMaskWords; i++ {
		if le.Uint32(v.Fixed[v.Layout.ChangeMaskOffset+4*i:]) != 0 {
			return true
		}
	}
	return false
}

func (v View) Enabled(bit int) bool {
	w := le.Uint32(v.Fixed[v.Layout.EnableMaskOffset+4*(bit>>5):])
	return w&(1<<uint(bit&31)) != 0
}

// Value returns the slot of scalar field f.
func (v View) Value(f int) uint32 {
	return le.Uint32(v.Fixed[v.Layout.Fields[f].Offset:])
}

// BufferLen returns the element count of buffer field f.
func (v View) BufferLen(f int) int {
	return int(le.Uint32(v.Fixed[v.Layout.Fields[f].Offset:]))
}

// BufferWord returns word w (element*ElementWords + member) of buffer field f.
func (v View) BufferWord(f, w int) uint32 {
	off := int(le.Uint32(v.Fixed[v.Layout.Fields[f].Offset+4:]))
	return le.Uint32(v.Dynamic[off+4*w:])
}

// BufferWords returns the stored word count of buffer field f.
func (v View) BufferWords(f int) int {
	fl := &v.Layout.Fields[f]
	return v.BufferLen(f) * v.Layout.Buffers[fl.Buffer].ElementWords
}

// Load copies the snapshot into st, resizing buffers as needed.
func (v View) Load(st *ghost.State) {
	l := v.Layout
	for f := range l.Fields {
		fl := &l.Fields[f]
		if fl.Kind != schema.KindBuffer {
			st.Values[f] = v.Value(f)
			continue
		}
		n := v.BufferWords(f)
		buf := st.Buffers[fl.Buffer][:0]
		for w := 0; w < n; w++ {
			buf = append(buf, v.BufferWord(f, w))
		}
		st.Buffers[fl.Buffer] = buf
	}
	for b := 0; b < l.EnableBits; b++ {
		st.Enabled[b] = v.Enabled(b)
	}
}

// Slot is a writable snapshot slot.
type Slot struct {
	View
	used int
}

// NewSlot wraps caller-owned memory sized for l.
func NewSlot(l *schema.Layout, fixed, dyn []byte) Slot {
	return Slot{View: View{Layout: l, Fixed: fixed, Dynamic: dyn}}
}

// Reset zeroes the slot and stamps its tick.
func (s *Slot) Reset(t tick.Tick) {
	for i := range s.Fixed {
		s.Fixed[i] = 0
	}
	s.used = 0
	le.PutUint32(s.Fixed, t.Serialize())
}

func (s *Slot) SetChanged(bit int, on bool) {
	off := s.Layout.ChangeMaskOffset + 4*(bit>>5)
	w := le.Uint32(s.Fixed[off:])
	if on {
		w |= 1 << uint(bit&31)
	} else {
		w &^= 1 << uint(bit&31)
	}
	le.PutUint32(s.Fixed[off:], w)
}

func (s *Slot) SetEnabled(bit int, on bool) {
	off := s.Layout.EnableMaskOffset + 4*(bit>>5)
	w := le.Uint32(s.Fixed[off:])
	if on {
		w |= 1 << uint(bit&31)
	} else {
		w &^= 1 << uint(bit&31)
	}
	le.PutUint32(s.Fixed[off:], w)
}

func (s *Slot) SetValue(f int, v uint32) {
	le.PutUint32(s.Fixed[s.Layout.Fields[f].Offset:], v)
}

// AppendBuffer reserves room for buffer field f with n elements in the
// dynamic sub-arena and returns the word offset callers fill with
// SetBufferWord. Buffers must be appended in field order.
func (s *Slot) AppendBuffer(f int, n int) error {
	fl := &s.Layout.Fields[f]
	bl := &s.Layout.Buffers[fl.Buffer]
	need := n * bl.ElementWords * 4
	if n < 0 || n > bl.MaxLength || s.used+need > len(s.Dynamic) {
		return &CapacityError{Type: s.Layout.Name, Field: fl.Name, Need: s.used + need, Cap: len(s.Dynamic)}
	}
	le.PutUint32(s.Fixed[fl.Offset:], uint32(n))
	le.PutUint32(s.Fixed[fl.Offset+4:], uint32(s.used))
	s.used += need
	return nil
}

func (s *Slot) SetBufferWord(f, w int, v uint32) {
	off := int(le.Uint32(s.Fixed[s.Layout.Fields[f].Offset+4:]))
	le.PutUint32(s.Dynamic[off+4*w:], v)
}

// Used returns the dynamic bytes consumed so far.
func (s *Slot) Used() int { return s.used }

// Store serializes st into the slot. prev, when valid, is the previous
// snapshot of the same ghost; fields that differ from it get their change
// bit set.
func (s *Slot) Store(t tick.Tick, st *ghost.State, prev View) error {
	s.Reset(t)
	l := s.Layout
	for f := range l.Fields {
		fl := &l.Fields[f]
		if fl.Kind != schema.KindBuffer {
			s.SetValue(f, st.Values[f])
			if !prev.Valid() || prev.Value(f) != st.Values[f] {
				s.SetChanged(fl.MaskBit, true)
			}
			continue
		}
		words := st.Buffers[fl.Buffer]
		n := len(words) / l.Buffers[fl.Buffer].ElementWords
		if err := s.AppendBuffer(f, n); err != nil {
			return err
		}
		changed := !prev.Valid() || prev.BufferWords(f) != len(words)
		for w, v := range words {
			s.SetBufferWord(f, w, v)
			if !changed && prev.BufferWord(f, w) != v {
				changed = true
			}
		}
		if changed {
			s.SetChanged(fl.MaskBit, true)
		}
	}
	for b := 0; b < l.EnableBits; b++ {
		s.SetEnabled(b, st.Enabled[b])
		if !prev.Valid() || prev.Enabled(b) != st.Enabled[b] {
			s.SetChanged(l.EnableChangeBit(b), true)
		}
	}
	return nil
}
