package tick

import (
	"errors"
	"fmt"
	"strconv"
)

// Tick is a 31-bit wraparound simulation counter with a validity flag in bit 31.
// The zero value is the invalid tick.
type Tick struct {
	raw uint32
}

const (
	validBit  uint32 = 1 << 31
	valueMask uint32 = validBit - 1

	// Range is the size of the circular counter space.
	Range = uint64(validBit)
)

// ErrInvalidTickOperation is the sentinel carried by panics raised when an
// invalid tick is used in arithmetic or ordering.
var ErrInvalidTickOperation = errors.New("invalid tick operation")

// OperationError describes which operation touched an invalid tick.
type OperationError struct {
	Op string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s on invalid tick", e.Op)
}

func (e *OperationError) Unwrap() error { return ErrInvalidTickOperation }

// Invalid is the tick that compares unequal to every stamped tick.
var Invalid = Tick{}

// New stamps a valid tick. Values above 2^31-1 wrap.
func New(value uint32) Tick {
	return Tick{raw: (value & valueMask) | validBit}
}

func (t Tick) IsValid() bool { return t.raw&validBit != 0 }

func (t Tick) must(op string) {
	if !t.IsValid() {
		panic(&OperationError{Op: op})
	}
}

// Value returns the 31-bit counter.
func (t Tick) Value() uint32 {
	t.must("value")
	return t.raw & valueMask
}

func (t Tick) Increment() Tick {
	t.must("increment")
	return New(t.raw + 1)
}

func (t Tick) Decrement() Tick {
	t.must("decrement")
	return New(t.raw - 1)
}

func (t Tick) Add(n uint32) Tick {
	t.must("add")
	return New(t.raw + n)
}

func (t Tick) Subtract(n uint32) Tick {
	t.must("subtract")
	return New(t.raw - n)
}

// AddSigned moves the tick by a signed delta.
func (t Tick) AddSigned(n int32) Tick {
	t.must("add")
	return New(t.raw + uint32(n))
}

// TicksSince returns the minimal signed distance from other to t over the
// 2^31 circle, so TicksSince across the wrap point stays small.
func (t Tick) TicksSince(other Tick) int32 {
	t.must("ticksSince")
	other.must("ticksSince")
	diff := (t.raw - other.raw) & valueMask
	// Sign-extend the 31-bit difference.
	return int32(diff<<1) >> 1
}

func (t Tick) IsNewerThan(other Tick) bool {
	return t.TicksSince(other) > 0
}

func (t Tick) IsOlderThan(other Tick) bool {
	return t.TicksSince(other) < 0
}

// Equal compares raw words; two invalid ticks are equal.
func (t Tick) Equal(other Tick) bool {
	return t.raw == other.raw
}

// Newest returns whichever tick is newer, treating an invalid tick as older
// than any valid one.
func Newest(a, b Tick) Tick {
	if !a.IsValid() {
		return b
	}
	if !b.IsValid() {
		return a
	}
	if b.IsNewerThan(a) {
		return b
	}
	return a
}

// Index maps the tick onto a ring of n slots. For n a power of two,
// consecutive ticks land in consecutive slots across the wrap; other sizes
// jump at 2^31 and evict early there.
func (t Tick) Index(n int) int {
	t.must("index")
	return int((t.raw & valueMask) % uint32(n))
}

// Serialize returns the wire word: bit 31 validity, bits 0-30 counter.
func (t Tick) Serialize() uint32 { return t.raw }

// Deserialize restores a tick from its wire word.
func Deserialize(word uint32) Tick {
	if word&validBit == 0 {
		return Invalid
	}
	return Tick{raw: word}
}

func (t Tick) String() string {
	if !t.IsValid() {
		return "tick(invalid)"
	}
	return fmt.Sprintf("tick(%d)", t.raw&valueMask)
}

// MarshalJSON encodes the counter, or null for the invalid tick.
func (t Tick) MarshalJSON() ([]byte, error) {
	if !t.IsValid() {
		return []byte("null"), nil
	}
	return strconv.AppendUint(nil, uint64(t.raw&valueMask), 10), nil
}

func (t *Tick) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = Invalid
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 31)
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	*t = New(uint32(v))
	return nil
}
