package schema

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

const (
	slotBytes       = 4
	bufferSlotBytes = 8
	snapshotAlign   = 16
)

// ErrSchemaMismatch is returned when a peer announces a ghost type whose hash
// differs from the local schema.
var ErrSchemaMismatch = errors.New("ghost schema mismatch")

// FieldLayout is a compiled field: where it lives in the snapshot and in
// live state, and how it is encoded.
type FieldLayout struct {
	Name         string // "Component.field", child components prefixed "childN/"
	Component    int
	Kind         Kind
	Quantization float32
	Smoothing    Smoothing
	Send         SendMode
	MaskBit      int
	Offset       int // byte offset inside the snapshot
	Buffer       int // index into Layout.Buffers, -1 for scalars
}

// BufferLayout describes a variable-length field.
type BufferLayout struct {
	Field        int
	MaxLength    int
	Element      []ElementField
	ElementWords int
	MaxBytes     int
}

// ComponentLayout lists a component's fields in encode order.
type ComponentLayout struct {
	Name      string
	Child     int
	EnableBit int // -1 unless enableable; bit index in the enable mask
	Send      SendMode
	Fields    []int
}

// Layout is the fixed snapshot geometry for one ghost type. It is computed
// once and shared read-only.
type Layout struct {
	Index int
	Name  string
	Mode  GhostMode
	Hash  uint64

	Components []ComponentLayout
	Fields     []FieldLayout
	Buffers    []BufferLayout

	EnableBits      int
	ChangeBits      int // one per field, then one per enableable component
	ChangeMaskWords int
	EnableMaskWords int

	ChangeMaskOffset int
	EnableMaskOffset int
	ValueOffset      int
	SnapshotSize     int
	DynamicCapacity  int

	fieldIndex map[string]int
}

// Receives reports whether field f reaches a connection that owns (owner)
// and predicts (predicted) the ghost.
func (l *Layout) Receives(f int, owner, predicted bool) bool {
	fl := &l.Fields[f]
	return fl.Send.Allows(owner, predicted) && l.Components[fl.Component].Send.Allows(owner, predicted)
}

// ReceivesEnable is Receives for an enable bit.
func (l *Layout) ReceivesEnable(bit int, owner, predicted bool) bool {
	for i := range l.Components {
		if l.Components[i].EnableBit == bit {
			return l.Components[i].Send.Allows(owner, predicted)
		}
	}
	return false
}

// FieldIndex resolves "Component.field" (or "childN/Component.field").
func (l *Layout) FieldIndex(name string) (int, bool) {
	i, ok := l.fieldIndex[norm.NFC.String(name)]
	return i, ok
}

// MustField panics when name is not part of the layout. Intended for
// bootstrap code resolving names once.
func (l *Layout) MustField(name string) int {
	i, ok := l.FieldIndex(name)
	if !ok {
		panic(fmt.Sprintf("ghost type %s has no field %s", l.Name, name))
	}
	return i
}

// EnableChangeBit maps an enable-mask bit to its change-mask bit.
func (l *Layout) EnableChangeBit(enableBit int) int {
	return len(l.Fields) + enableBit
}

func compileType(index int, gt GhostType) (*Layout, error) {
	name := norm.NFC.String(gt.Name)
	if name == "" {
		return nil, fmt.Errorf("ghost type %d: empty name", index)
	}
	l := &Layout{
		Index:      index,
		Name:       name,
		Mode:       gt.Mode,
		fieldIndex: make(map[string]int),
	}

	// Root components first, then children by child index; stable within a child.
	order := make([]int, len(gt.Components))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return gt.Components[order[a]].Child < gt.Components[order[b]].Child
	})

	valueBytes := 0
	seenComp := make(map[string]bool)
	for _, ci := range order {
		c := gt.Components[ci]
		if c.Child < 0 {
			return nil, fmt.Errorf("ghost type %s: component %s has negative child index", name, c.Name)
		}
		cname := norm.NFC.String(c.Name)
		if cname == "" {
			return nil, fmt.Errorf("ghost type %s: component with empty name", name)
		}
		qualified := cname
		if c.Child > 0 {
			qualified = fmt.Sprintf("child%d/%s", c.Child, cname)
		}
		if seenComp[qualified] {
			return nil, fmt.Errorf("ghost type %s: duplicate component %s", name, qualified)
		}
		seenComp[qualified] = true

		cl := ComponentLayout{Name: qualified, Child: c.Child, EnableBit: -1, Send: c.Send}
		if c.Enableable {
			cl.EnableBit = l.EnableBits
			l.EnableBits++
		}
		compIdx := len(l.Components)
		for _, f := range c.Fields {
			if err := validateField(f); err != nil {
				return nil, fmt.Errorf("ghost type %s: %s: %w", name, qualified, err)
			}
			fname := qualified + "." + norm.NFC.String(f.Name)
			if _, dup := l.fieldIndex[fname]; dup {
				return nil, fmt.Errorf("ghost type %s: duplicate field %s", name, fname)
			}
			send := f.Send
			if send == SendAll {
				send = c.Send
			}
			fl := FieldLayout{
				Name:         fname,
				Component:    compIdx,
				Kind:         f.Kind,
				Quantization: f.Quantization,
				Smoothing:    f.Smoothing,
				Send:         send,
				MaskBit:      len(l.Fields),
				Offset:       valueBytes,
				Buffer:       -1,
			}
			if f.Kind == KindBuffer {
				bl := BufferLayout{
					Field:        len(l.Fields),
					MaxLength:    f.MaxLength,
					Element:      append([]ElementField(nil), f.Element...),
					ElementWords: len(f.Element),
				}
				bl.MaxBytes = bl.MaxLength * bl.ElementWords * slotBytes
				fl.Buffer = len(l.Buffers)
				l.Buffers = append(l.Buffers, bl)
				l.DynamicCapacity += bl.MaxBytes
				valueBytes += bufferSlotBytes
			} else {
				valueBytes += slotBytes
			}
			l.fieldIndex[fname] = len(l.Fields)
			cl.Fields = append(cl.Fields, len(l.Fields))
			l.Fields = append(l.Fields, fl)
		}
		l.Components = append(l.Components, cl)
	}

	l.ChangeBits = len(l.Fields) + l.EnableBits
	l.ChangeMaskWords = (l.ChangeBits + 31) / 32
	l.EnableMaskWords = (l.EnableBits + 31) / 32
	l.ChangeMaskOffset = 4
	l.EnableMaskOffset = l.ChangeMaskOffset + 4*l.ChangeMaskWords
	l.ValueOffset = l.EnableMaskOffset + 4*l.EnableMaskWords
	for i := range l.Fields {
		l.Fields[i].Offset += l.ValueOffset
	}
	size := l.ValueOffset + valueBytes
	if rem := size % snapshotAlign; rem != 0 {
		size += snapshotAlign - rem
	}
	l.SnapshotSize = size
	l.Hash = hashLayout(l)
	return l, nil
}

func validateField(f Field) error {
	if f.Name == "" {
		return errors.New("field with empty name")
	}
	if _, ok := kindNames[f.Kind]; !ok {
		return fmt.Errorf("field %s: invalid kind %d", f.Name, f.Kind)
	}
	if f.Kind == KindQuantized && !(f.Quantization > 0) {
		return fmt.Errorf("field %s: quantized fields need a positive quantization", f.Name)
	}
	if f.Kind != KindBuffer {
		if f.MaxLength != 0 || len(f.Element) != 0 {
			return fmt.Errorf("field %s: only buffers declare max_length/element", f.Name)
		}
		return nil
	}
	if f.MaxLength <= 0 {
		return fmt.Errorf("buffer %s: max_length must be positive", f.Name)
	}
	if len(f.Element) == 0 {
		return fmt.Errorf("buffer %s: element has no fields", f.Name)
	}
	for _, e := range f.Element {
		if e.Kind == KindBuffer {
			return fmt.Errorf("buffer %s: nested buffers are not supported", f.Name)
		}
		if e.Kind == KindQuantized && !(e.Quantization > 0) {
			return fmt.Errorf("buffer %s.%s: quantized fields need a positive quantization", f.Name, e.Name)
		}
	}
	return nil
}

// hashLayout digests everything that changes the wire format.
func hashLayout(l *Layout) uint64 {
	h, _ := blake2b.New256(nil)
	var scratch [8]byte
	putString := func(s string) {
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(s)))
		h.Write(scratch[:4])
		h.Write([]byte(s))
	}
	putUint := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		h.Write(scratch[:4])
	}
	putString(l.Name)
	putUint(uint32(l.Mode))
	for _, c := range l.Components {
		putString(c.Name)
		putUint(uint32(int32(c.EnableBit)))
		for _, fi := range c.Fields {
			f := l.Fields[fi]
			putString(f.Name)
			putUint(uint32(f.Kind))
			putUint(math.Float32bits(f.Quantization))
			putUint(uint32(f.Send))
			if f.Buffer >= 0 {
				b := l.Buffers[f.Buffer]
				putUint(uint32(b.MaxLength))
				for _, e := range b.Element {
					putString(norm.NFC.String(e.Name))
					putUint(uint32(e.Kind))
					putUint(math.Float32bits(e.Quantization))
				}
			}
		}
	}
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// Collection is the ordered set of ghost types both peers agree on.
type Collection struct {
	Types  []*Layout
	Hash   uint64
	byName map[string]int
}

// Compile validates the authored types and computes their layouts.
func Compile(types []GhostType) (*Collection, error) {
	c := &Collection{byName: make(map[string]int, len(types))}
	h, _ := blake2b.New256(nil)
	var scratch [8]byte
	for i, gt := range types {
		l, err := compileType(i, gt)
		if err != nil {
			return nil, err
		}
		if _, dup := c.byName[l.Name]; dup {
			return nil, fmt.Errorf("duplicate ghost type %s", l.Name)
		}
		c.byName[l.Name] = i
		c.Types = append(c.Types, l)
		binary.LittleEndian.PutUint64(scratch[:], l.Hash)
		h.Write(scratch[:])
	}
	sum := h.Sum(nil)
	c.Hash = binary.LittleEndian.Uint64(sum[:8])
	return c, nil
}

func (c *Collection) Layout(index int) (*Layout, bool) {
	if index < 0 || index >= len(c.Types) {
		return nil, false
	}
	return c.Types[index], true
}

func (c *Collection) ByName(name string) (*Layout, bool) {
	i, ok := c.byName[norm.NFC.String(name)]
	if !ok {
		return nil, false
	}
	return c.Types[i], true
}

// Verify checks a remote type announcement against the local schema.
func (c *Collection) Verify(index int, hash uint64) error {
	l, ok := c.Layout(index)
	if !ok {
		return fmt.Errorf("%w: unknown type index %d", ErrSchemaMismatch, index)
	}
	if l.Hash != hash {
		return fmt.Errorf("%w: type %s local %016x remote %016x", ErrSchemaMismatch, l.Name, l.Hash, hash)
	}
	return nil
}
