// Package ghost holds the live, typed state of replicated objects and the
// store that maps network ids onto generational entities.
package ghost

import (
	"math"

	"github.com/l1jgo/ghostnet/internal/changemask"
	"github.com/l1jgo/ghostnet/internal/schema"
	"github.com/l1jgo/ghostnet/internal/tick"
)

// State is the live value of one ghost, stored in wire representation:
// ints and uints as their bits, bools as 0/1, floats as IEEE bits and
// quantized floats as fixed-point ints.
type State struct {
	Layout  *schema.Layout
	Values  []uint32   // one per field; unused for buffers
	Buffers [][]uint32 // one per buffer, len = length * element words
	Enabled []bool     // one per enable bit
}

// NewState returns a zeroed state with every enableable component enabled.
func NewState(l *schema.Layout) *State {
	s := &State{
		Layout:  l,
		Values:  make([]uint32, len(l.Fields)),
		Buffers: make([][]uint32, len(l.Buffers)),
		Enabled: make([]bool, l.EnableBits),
	}
	for i := range s.Buffers {
		s.Buffers[i] = make([]uint32, 0, l.Buffers[i].MaxLength*l.Buffers[i].ElementWords)
	}
	for i := range s.Enabled {
		s.Enabled[i] = true
	}
	return s
}

func (s *State) Int(f int) int32         { return int32(s.Values[f]) }
func (s *State) SetInt(f int, v int32)   { s.Values[f] = uint32(v) }
func (s *State) UInt(f int) uint32       { return s.Values[f] }
func (s *State) SetUInt(f int, v uint32) { s.Values[f] = v }
func (s *State) Bool(f int) bool         { return s.Values[f] != 0 }

func (s *State) SetBool(f int, v bool) {
	if v {
		s.Values[f] = 1
	} else {
		s.Values[f] = 0
	}
}

// Float reads a float or quantized field.
func (s *State) Float(f int) float32 {
	fl := &s.Layout.Fields[f]
	if fl.Kind == schema.KindQuantized {
		return changemask.Dequantize(int32(s.Values[f]), fl.Quantization)
	}
	return math.Float32frombits(s.Values[f])
}

// SetFloat writes a float or quantized field.
func (s *State) SetFloat(f int, v float32) {
	fl := &s.Layout.Fields[f]
	if fl.Kind == schema.KindQuantized {
		s.Values[f] = uint32(changemask.Quantize(v, fl.Quantization))
		return
	}
	s.Values[f] = math.Float32bits(v)
}

// BufferLen returns the element count of buffer field f.
func (s *State) BufferLen(f int) int {
	b := s.Layout.Fields[f].Buffer
	return len(s.Buffers[b]) / s.Layout.Buffers[b].ElementWords
}

// SetBufferLen resizes buffer field f, zeroing new elements. Lengths above
// the declared maximum are kept; the snapshot write reports them.
func (s *State) SetBufferLen(f int, n int) {
	b := s.Layout.Fields[f].Buffer
	words := n * s.Layout.Buffers[b].ElementWords
	buf := s.Buffers[b]
	if words <= len(buf) {
		s.Buffers[b] = buf[:words]
		return
	}
	for len(buf) < words {
		buf = append(buf, 0)
	}
	s.Buffers[b] = buf
}

// Element returns word e of element i in buffer field f.
func (s *State) Element(f, i, e int) uint32 {
	b := s.Layout.Fields[f].Buffer
	return s.Buffers[b][i*s.Layout.Buffers[b].ElementWords+e]
}

func (s *State) SetElement(f, i, e int, v uint32) {
	b := s.Layout.Fields[f].Buffer
	s.Buffers[b][i*s.Layout.Buffers[b].ElementWords+e] = v
}

// ComponentEnabled reports whether component c is enabled. Components that
// cannot be disabled are always enabled.
func (s *State) ComponentEnabled(c int) bool {
	bit := s.Layout.Components[c].EnableBit
	return bit < 0 || s.Enabled[bit]
}

func (s *State) SetComponentEnabled(c int, on bool) {
	if bit := s.Layout.Components[c].EnableBit; bit >= 0 {
		s.Enabled[bit] = on
	}
}

// CopyFrom overwrites s with o. Both must share a layout.
func (s *State) CopyFrom(o *State) {
	s.Layout = o.Layout
	copy(s.Values, o.Values)
	for i := range o.Buffers {
		s.Buffers[i] = append(s.Buffers[i][:0], o.Buffers[i]...)
	}
	copy(s.Enabled, o.Enabled)
}

func (s *State) Clone() *State {
	c := NewState(s.Layout)
	c.CopyFrom(s)
	return c
}

// Equal compares two states of the same ghost type (layouts with equal
// hashes count as the same type). Integer, bool and buffer
// data must match exactly; float and quantized fields may differ by at most
// tolerance.
func (s *State) Equal(o *State, tolerance float32) bool {
	return s.equal(o, tolerance, nil)
}

// Receiver is the replication role of a connection towards one ghost. Fields
// its send modes exclude never reach that connection.
type Receiver struct {
	Owner     bool
	Predicted bool
}

// EqualFor is Equal restricted to the fields and enable bits rc receives.
func (s *State) EqualFor(o *State, tolerance float32, rc Receiver) bool {
	return s.equal(o, tolerance, &rc)
}

// CopyFor overwrites the fields and enable bits rc receives with o's values
// and keeps s's own values everywhere else.
func (s *State) CopyFor(o *State, rc Receiver) {
	l := o.Layout
	for f := range l.Fields {
		if !l.Receives(f, rc.Owner, rc.Predicted) {
			continue
		}
		if b := l.Fields[f].Buffer; b >= 0 {
			s.Buffers[b] = append(s.Buffers[b][:0], o.Buffers[b]...)
		}
		s.Values[f] = o.Values[f]
	}
	for bit := range o.Enabled {
		if l.ReceivesEnable(bit, rc.Owner, rc.Predicted) {
			s.Enabled[bit] = o.Enabled[bit]
		}
	}
}

func (s *State) equal(o *State, tolerance float32, rc *Receiver) bool {
	if s.Layout != o.Layout && s.Layout.Hash != o.Layout.Hash {
		return false
	}
	l := s.Layout
	for i := range s.Enabled {
		if rc != nil && !l.ReceivesEnable(i, rc.Owner, rc.Predicted) {
			continue
		}
		if s.Enabled[i] != o.Enabled[i] {
			return false
		}
	}
	for f := range l.Fields {
		if rc != nil && !l.Receives(f, rc.Owner, rc.Predicted) {
			continue
		}
		fl := &l.Fields[f]
		switch fl.Kind {
		case schema.KindBuffer:
			a, b := s.Buffers[fl.Buffer], o.Buffers[fl.Buffer]
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
		case schema.KindFloat, schema.KindQuantized:
			if s.Values[f] == o.Values[f] {
				continue
			}
			d := float64(s.Float(f)) - float64(o.Float(f))
			if math.IsNaN(d) || math.Abs(d) > float64(tolerance) {
				return false
			}
		default:
			if s.Values[f] != o.Values[f] {
				return false
			}
		}
	}
	return true
}

// Input is one tick of commands from the connection owning a ghost. Data is
// opaque to replication; the simulator interprets it.
type Input struct {
	Tick tick.Tick
	Data []int32
}
