// Package snapshot keeps the per-ghost history of serialized snapshots: a
// fixed-size ring of the most recent ticks plus, for ghost types with
// buffer fields, one dynamic sub-arena per ring slot.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/schema"
	"github.com/l1jgo/ghostnet/internal/tick"
)

// ErrCapacity is the sentinel wrapped by CapacityError.
var ErrCapacity = errors.New("snapshot dynamic capacity exceeded")

// ErrStale is returned when a snapshot older than the newest stored one
// arrives for a tick the ring does not hold.
var ErrStale = errors.New("stale snapshot")

// CapacityError reports a snapshot whose dynamic data does not fit its
// ghost's sub-arena. The data is never truncated.
type CapacityError struct {
	Type  string
	Field string
	Need  int
	Cap   int
}

func (e *CapacityError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("ghost type %s: dynamic data needs %d bytes, capacity %d", e.Type, e.Need, e.Cap)
	}
	return fmt.Sprintf("ghost type %s: buffer %s needs %d bytes, capacity %d", e.Type, e.Field, e.Need, e.Cap)
}

func (e *CapacityError) Unwrap() error { return ErrCapacity }

// SlotLayout is the per-type geometry the store allocates with.
type SlotLayout struct {
	Type         *schema.Layout
	FixedSize    int
	DynamicSize  int
	HistorySlots int
}

// Snapshot is raw snapshot memory handed to Write.
type Snapshot struct {
	Fixed   []byte
	Dynamic []byte
}

// DataAtTick pairs the two snapshots bracketing a target time.
type DataAtTick struct {
	From  View
	To    View
	Alpha float32 // 0 at From, 1 at To
}

type history struct {
	layout *schema.Layout
	fixed  []byte
	dyn    []byte
	ticks  []tick.Tick
	newest int // slot of the newest snapshot, -1 when empty
	count  int
}

func (h *history) slot(i int) Slot {
	fs, ds := h.layout.SnapshotSize, h.layout.DynamicCapacity
	return NewSlot(h.layout, h.fixed[i*fs:(i+1)*fs], h.dyn[i*ds:(i+1)*ds])
}

func (h *history) find(t tick.Tick) int {
	for i := 0; i < h.count; i++ {
		s := (h.newest - i + len(h.ticks)) % len(h.ticks)
		if h.ticks[s].Equal(t) {
			return s
		}
	}
	return -1
}

// Store is the snapshot history of every tracked ghost. Track and Remove run
// on the step goroutine; Write and reads of distinct ghosts may run
// concurrently between them.
type Store struct {
	types   *schema.Collection
	slots   int
	layouts []SlotLayout
	ghosts  map[ecs.EntityID]*history
}

// NewStore keeps historySlots snapshots per ghost.
func NewStore(types *schema.Collection, historySlots int) *Store {
	if historySlots < 2 {
		historySlots = 2
	}
	return &Store{
		types:   types,
		slots:   historySlots,
		layouts: make([]SlotLayout, len(types.Types)),
		ghosts:  make(map[ecs.EntityID]*history, 128),
	}
}

// Allocate returns the cached slot geometry of a ghost type.
func (s *Store) Allocate(typeIndex int) (SlotLayout, error) {
	l, ok := s.types.Layout(typeIndex)
	if !ok {
		return SlotLayout{}, fmt.Errorf("allocate: unknown ghost type %d", typeIndex)
	}
	if sl := s.layouts[typeIndex]; sl.Type != nil {
		return sl, nil
	}
	sl := SlotLayout{Type: l, FixedSize: l.SnapshotSize, DynamicSize: l.DynamicCapacity, HistorySlots: s.slots}
	s.layouts[typeIndex] = sl
	return sl, nil
}

// Track creates an empty history for a ghost.
func (s *Store) Track(id ecs.EntityID, typeIndex int) error {
	sl, err := s.Allocate(typeIndex)
	if err != nil {
		return err
	}
	if _, dup := s.ghosts[id]; dup {
		return nil
	}
	s.ghosts[id] = &history{
		layout: sl.Type,
		fixed:  make([]byte, sl.FixedSize*s.slots),
		dyn:    make([]byte, sl.DynamicSize*s.slots),
		ticks:  make([]tick.Tick, s.slots),
		newest: -1,
	}
	return nil
}

func (s *Store) Tracked(id ecs.EntityID) bool {
	_, ok := s.ghosts[id]
	return ok
}

// Remove drops a ghost's history.
func (s *Store) Remove(id ecs.EntityID) { delete(s.ghosts, id) }

func (s *Store) Len() int { return len(s.ghosts) }

// begin picks the slot that will hold tick t: the slot already holding t, or
// the ring slot after the newest, evicting the oldest snapshot.
func (s *Store) begin(id ecs.EntityID, t tick.Tick) (*history, int, error) {
	h, ok := s.ghosts[id]
	if !ok {
		return nil, 0, fmt.Errorf("snapshot write: ghost %x not tracked", uint64(id))
	}
	if !t.IsValid() {
		return nil, 0, fmt.Errorf("snapshot write: %w", tick.ErrInvalidTickOperation)
	}
	if i := h.find(t); i >= 0 {
		return h, i, nil
	}
	if h.newest >= 0 && t.IsOlderThan(h.ticks[h.newest]) {
		return nil, 0, ErrStale
	}
	return h, (h.newest + 1) % len(h.ticks), nil
}

func (h *history) commit(i int, t tick.Tick) {
	if h.ticks[i].Equal(t) && h.count > 0 {
		return
	}
	h.ticks[i] = t
	h.newest = i
	if h.count < len(h.ticks) {
		h.count++
	}
}

// Write copies raw snapshot memory for tick t. Writing a tick already held
// overwrites it in place. Dynamic data larger than the ghost's sub-arena, or
// buffer slots pointing outside it, fail with a CapacityError.
func (s *Store) Write(id ecs.EntityID, t tick.Tick, snap Snapshot) error {
	h, i, err := s.begin(id, t)
	if err != nil {
		return err
	}
	l := h.layout
	if len(snap.Fixed) != l.SnapshotSize {
		return fmt.Errorf("snapshot write: fixed size %d, want %d", len(snap.Fixed), l.SnapshotSize)
	}
	if len(snap.Dynamic) > l.DynamicCapacity {
		return &CapacityError{Type: l.Name, Need: len(snap.Dynamic), Cap: l.DynamicCapacity}
	}
	in := View{Layout: l, Fixed: snap.Fixed, Dynamic: snap.Dynamic}
	for _, bl := range l.Buffers {
		off := int(le.Uint32(snap.Fixed[l.Fields[bl.Field].Offset+4:]))
		n := in.BufferWords(bl.Field) * 4
		if in.BufferLen(bl.Field) > bl.MaxLength || off+n > len(snap.Dynamic) {
			return &CapacityError{Type: l.Name, Field: l.Fields[bl.Field].Name, Need: off + n, Cap: len(snap.Dynamic)}
		}
	}
	slot := h.slot(i)
	copy(slot.Fixed, snap.Fixed)
	le.PutUint32(slot.Fixed, t.Serialize())
	copy(slot.Dynamic, snap.Dynamic)
	h.commit(i, t)
	return nil
}

// WriteState serializes live state for tick t, computing the change mask
// against the previous newest snapshot.
func (s *Store) WriteState(id ecs.EntityID, t tick.Tick, st *ghost.State) error {
	h, i, err := s.begin(id, t)
	if err != nil {
		return err
	}
	var prev View
	if h.newest >= 0 && h.newest != i {
		prev = h.slot(h.newest).View
	} else if h.count > 1 {
		prev = h.slot((i - 1 + len(h.ticks)) % len(h.ticks)).View
	}
	slot := h.slot(i)
	if err := slot.Store(t, st, prev); err != nil {
		return err
	}
	h.commit(i, t)
	return nil
}

// ReadAtTick returns the snapshot stored for exactly tick t.
func (s *Store) ReadAtTick(id ecs.EntityID, t tick.Tick) (View, bool) {
	h, ok := s.ghosts[id]
	if !ok || !t.IsValid() {
		return View{}, false
	}
	i := h.find(t)
	if i < 0 {
		return View{}, false
	}
	return h.slot(i).View, true
}

// Latest returns the newest snapshot.
func (s *Store) Latest(id ecs.EntityID) (View, bool) {
	h, ok := s.ghosts[id]
	if !ok || h.newest < 0 {
		return View{}, false
	}
	return h.slot(h.newest).View, true
}

// Ticks appends the stored ticks, newest first.
func (s *Store) Ticks(id ecs.EntityID, dst []tick.Tick) []tick.Tick {
	h, ok := s.ghosts[id]
	if !ok {
		return dst
	}
	for i := 0; i < h.count; i++ {
		dst = append(dst, h.ticks[(h.newest-i+len(h.ticks))%len(h.ticks)])
	}
	return dst
}

// InterpolatedView pairs the snapshots at ticks a and b.
func (s *Store) InterpolatedView(id ecs.EntityID, a, b tick.Tick, alpha float32) (DataAtTick, bool) {
	from, ok := s.ReadAtTick(id, a)
	if !ok {
		return DataAtTick{}, false
	}
	to, ok := s.ReadAtTick(id, b)
	if !ok {
		return DataAtTick{}, false
	}
	return DataAtTick{From: from, To: to, Alpha: clamp01(alpha)}, true
}

// ViewAt picks the snapshots bracketing target+fraction. When no snapshot is
// newer than the target the newest is returned on both sides; when every
// snapshot is newer the oldest is.
func (s *Store) ViewAt(id ecs.EntityID, target tick.Tick, fraction float32) (DataAtTick, bool) {
	h, ok := s.ghosts[id]
	if !ok || h.newest < 0 || !target.IsValid() {
		return DataAtTick{}, false
	}
	n := len(h.ticks)
	from, to := -1, -1
	for i := 0; i < h.count; i++ {
		slot := (h.newest - i + n) % n
		if h.ticks[slot].IsNewerThan(target) {
			to = slot
			continue
		}
		from = slot
		break
	}
	switch {
	case from < 0:
		v := h.slot(to).View
		return DataAtTick{From: v, To: v}, true
	case to < 0:
		v := h.slot(from).View
		return DataAtTick{From: v, To: v}, true
	}
	span := float32(h.ticks[to].TicksSince(h.ticks[from]))
	pos := float32(target.TicksSince(h.ticks[from])) + fraction
	return DataAtTick{From: h.slot(from).View, To: h.slot(to).View, Alpha: clamp01(pos / span)}, true
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
