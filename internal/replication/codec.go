// Package replication turns live ghost state into change-masked deltas
// against acknowledged baselines, assembles them into per-connection
// packets and applies received packets on the client.
package replication

import (
	"github.com/l1jgo/ghostnet/internal/changemask"
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/net/packet"
	"github.com/l1jgo/ghostnet/internal/schema"
	"github.com/l1jgo/ghostnet/internal/snapshot"
	"github.com/l1jgo/ghostnet/internal/tick"
)

// MaxBaselines is the most baselines a ghost record references.
const MaxBaselines = 3

// Baselines is the ordered set (newest first) of snapshots a ghost record is
// encoded against. Zero baselines means "against all-zero state".
type Baselines struct {
	Ticks [MaxBaselines]tick.Tick
	Views [MaxBaselines]snapshot.View
	N     int
}

func (b *Baselines) Add(t tick.Tick, v snapshot.View) {
	if b.N < MaxBaselines {
		b.Ticks[b.N] = t
		b.Views[b.N] = v
		b.N++
	}
}

func (b *Baselines) value(f int) uint32 {
	if b.N == 0 {
		return 0
	}
	return b.Views[0].Value(f)
}

func (b *Baselines) enabled(bit int) bool {
	if b.N == 0 {
		return true
	}
	return b.Views[0].Enabled(bit)
}

func (b *Baselines) bufferWords(f int) int {
	if b.N == 0 {
		return 0
	}
	return b.Views[0].BufferWords(f)
}

func (b *Baselines) bufferWord(f, w int) uint32 {
	if b.N == 0 || w >= b.Views[0].BufferWords(f) {
		return 0
	}
	return b.Views[0].BufferWord(f, w)
}

// predicted returns the value numeric fields are delta-encoded against. With
// three baselines it extrapolates from the two newest.
func (b *Baselines) predicted(f int, target tick.Tick) uint32 {
	b0 := b.value(f)
	if b.N < MaxBaselines {
		return b0
	}
	b1 := b.Views[1].Value(f)
	dtTarget := target.TicksSince(b.Ticks[0])
	dtBase := b.Ticks[0].TicksSince(b.Ticks[1])
	return uint32(changemask.PredictLinear(int32(b0), int32(b1), dtTarget, dtBase))
}

// Filter selects the fields a connection receives.
type Filter struct {
	Owner     bool
	Predicted bool
}

// AllFields sends everything; snapshot history and tests use it.
var AllFields = Filter{Owner: true, Predicted: true}

func (f Filter) fieldAllowed(l *schema.Layout, field int) bool {
	return l.Receives(field, f.Owner, f.Predicted)
}

func (f Filter) enableAllowed(l *schema.Layout, bit int) bool {
	return l.ReceivesEnable(bit, f.Owner, f.Predicted)
}

// Codec encodes and decodes ghost records. It holds only immutable
// configuration and is safe for concurrent use.
type Codec struct {
	types *schema.Collection
}

func NewCodec(types *schema.Collection) *Codec {
	return &Codec{types: types}
}

func (c *Codec) Types() *schema.Collection { return c.types }

// Encode writes the change mask and changed values of st relative to base.
// The output depends only on (st, base, filter, target). It returns the
// number of changed bits written.
func (c *Codec) Encode(target tick.Tick, st *ghost.State, base *Baselines, filter Filter, w *packet.Writer) int {
	l := st.Layout
	var maskBuf [8]uint32
	mask := maskBuf[:0]
	if n := l.ChangeMaskWords; n <= len(maskBuf) {
		mask = maskBuf[:n]
	} else {
		mask = make([]uint32, n)
	}

	for f := range l.Fields {
		fl := &l.Fields[f]
		if !filter.fieldAllowed(l, f) {
			continue
		}
		if fl.Kind == schema.KindBuffer {
			words := st.Buffers[fl.Buffer]
			changed := len(words) != base.bufferWords(f)
			for i := 0; !changed && i < len(words); i++ {
				changed = words[i] != base.bufferWord(f, i)
			}
			changemask.Set(mask, fl.MaskBit, changed)
			continue
		}
		changemask.Set(mask, fl.MaskBit, st.Values[f] != base.value(f))
	}
	for b := 0; b < l.EnableBits; b++ {
		if filter.enableAllowed(l, b) && st.Enabled[b] != base.enabled(b) {
			changemask.Set(mask, l.EnableChangeBit(b), true)
		}
	}

	changemask.WriteMask(w, mask, l.ChangeBits)
	for f := range l.Fields {
		fl := &l.Fields[f]
		if !changemask.Get(mask, fl.MaskBit) {
			continue
		}
		switch fl.Kind {
		case schema.KindInt, schema.KindQuantized:
			changemask.WriteIntDelta(w, st.Values[f], base.predicted(f, target))
		case schema.KindUInt:
			changemask.WriteUIntDelta(w, st.Values[f], base.value(f))
		case schema.KindFloat:
			changemask.WriteRawFloat(w, st.Values[f])
		case schema.KindBool:
			// A changed bool is the negation of its baseline.
		case schema.KindBuffer:
			c.encodeBuffer(l, f, st.Buffers[fl.Buffer], base, w)
		}
	}
	return changemask.Count(mask)
}

func (c *Codec) encodeBuffer(l *schema.Layout, f int, words []uint32, base *Baselines, w *packet.Writer) {
	bl := &l.Buffers[l.Fields[f].Buffer]
	ew := bl.ElementWords
	n := len(words) / ew
	baseLen := base.bufferWords(f) / ew
	w.WritePackedIntDelta(int32(n), int32(baseLen))
	for i := 0; i < n; i++ {
		w.WriteBool(elementChanged(words, base, f, i, ew))
	}
	for i := 0; i < n; i++ {
		if !elementChanged(words, base, f, i, ew) {
			continue
		}
		for e := 0; e < ew; e++ {
			v, b := words[i*ew+e], base.bufferWord(f, i*ew+e)
			switch bl.Element[e].Kind {
			case schema.KindInt, schema.KindQuantized:
				changemask.WriteIntDelta(w, v, b)
			case schema.KindUInt:
				changemask.WriteUIntDelta(w, v, b)
			case schema.KindFloat:
				changemask.WriteRawFloat(w, v)
			case schema.KindBool:
				w.WriteBits(v, 1)
			}
		}
	}
}

func elementChanged(words []uint32, base *Baselines, f, i, ew int) bool {
	for e := 0; e < ew; e++ {
		if words[i*ew+e] != base.bufferWord(f, i*ew+e) {
			return true
		}
	}
	return false
}

// Decode reads one ghost record produced by Encode into slot, which must be
// sized for the ghost's type. Fields whose change bit is clear keep the
// newest baseline's value. Malformed records fail with a ProtocolError and
// leave slot contents undefined.
func (c *Codec) Decode(netID uint32, target tick.Tick, r *packet.Reader, base *Baselines, slot *snapshot.Slot) error {
	l := slot.Layout
	var maskBuf [8]uint32
	mask := maskBuf[:0]
	if n := l.ChangeMaskWords; n <= len(maskBuf) {
		mask = maskBuf[:n]
	} else {
		mask = make([]uint32, n)
	}
	changemask.ReadMask(r, mask, l.ChangeBits)
	if r.Failed() {
		return protocolErr(netID, "truncated change mask")
	}

	slot.Reset(target)
	for f := range l.Fields {
		fl := &l.Fields[f]
		changed := changemask.Get(mask, fl.MaskBit)
		slot.SetChanged(fl.MaskBit, changed)
		if fl.Kind == schema.KindBuffer {
			if err := c.decodeBuffer(netID, l, f, changed, r, base, slot); err != nil {
				return err
			}
			continue
		}
		v := base.value(f)
		if changed {
			switch fl.Kind {
			case schema.KindInt, schema.KindQuantized:
				v = changemask.ReadIntDelta(r, base.predicted(f, target))
			case schema.KindUInt:
				v = changemask.ReadUIntDelta(r, v)
			case schema.KindFloat:
				v = changemask.ReadRawFloat(r)
			case schema.KindBool:
				v = changemask.ReadBoolDelta(v)
			}
		}
		slot.SetValue(f, v)
	}
	for b := 0; b < l.EnableBits; b++ {
		bit := l.EnableChangeBit(b)
		on := base.enabled(b)
		if changemask.Get(mask, bit) {
			on = !on
			slot.SetChanged(bit, true)
		}
		slot.SetEnabled(b, on)
	}
	if r.Failed() {
		return protocolErr(netID, "truncated values")
	}
	return nil
}

func (c *Codec) decodeBuffer(netID uint32, l *schema.Layout, f int, changed bool, r *packet.Reader, base *Baselines, slot *snapshot.Slot) error {
	bl := &l.Buffers[l.Fields[f].Buffer]
	ew := bl.ElementWords
	baseWords := base.bufferWords(f)
	if !changed {
		if err := slot.AppendBuffer(f, baseWords/ew); err != nil {
			return protocolErr(netID, "baseline buffer: %v", err)
		}
		for i := 0; i < baseWords; i++ {
			slot.SetBufferWord(f, i, base.bufferWord(f, i))
		}
		return nil
	}
	n := int(r.ReadPackedIntDelta(int32(baseWords / ew)))
	if r.Failed() || n < 0 || n > bl.MaxLength {
		return protocolErr(netID, "buffer %s length %d exceeds max %d", l.Fields[f].Name, n, bl.MaxLength)
	}
	if err := slot.AppendBuffer(f, n); err != nil {
		return protocolErr(netID, "buffer %s: %v", l.Fields[f].Name, err)
	}
	var elemBuf [64]bool
	elemChanged := elemBuf[:0]
	if n <= len(elemBuf) {
		elemChanged = elemBuf[:n]
	} else {
		elemChanged = make([]bool, n)
	}
	for i := 0; i < n; i++ {
		elemChanged[i] = r.ReadBool()
	}
	for i := 0; i < n; i++ {
		for e := 0; e < ew; e++ {
			w := i*ew + e
			v := base.bufferWord(f, w)
			if elemChanged[i] {
				switch bl.Element[e].Kind {
				case schema.KindInt, schema.KindQuantized:
					v = changemask.ReadIntDelta(r, v)
				case schema.KindUInt:
					v = changemask.ReadUIntDelta(r, v)
				case schema.KindFloat:
					v = changemask.ReadRawFloat(r)
				case schema.KindBool:
					v = r.ReadBits(1)
				}
			}
			slot.SetBufferWord(f, w, v)
		}
	}
	if r.Failed() {
		return protocolErr(netID, "truncated buffer %s", l.Fields[f].Name)
	}
	return nil
}
