package replication

import (
	"github.com/l1jgo/ghostnet/internal/tick"
)

// AckWindow is how many ticks an ack covers: the newest received tick plus
// 63 before it.
const AckWindow = 64

// AckState tracks which server ticks a client received. Bit i of Mask is
// set when tick Last-i arrived.
type AckState struct {
	Last tick.Tick
	Mask uint64
}

// Received records the arrival of tick t.
func (a *AckState) Received(t tick.Tick) {
	if !t.IsValid() {
		return
	}
	if !a.Last.IsValid() {
		a.Last, a.Mask = t, 1
		return
	}
	d := t.TicksSince(a.Last)
	switch {
	case d > 0:
		if d >= AckWindow {
			a.Mask = 0
		} else {
			a.Mask <<= uint(d)
		}
		a.Mask |= 1
		a.Last = t
	case d > -AckWindow:
		a.Mask |= 1 << uint(-d)
	}
}

// Merge folds a (possibly reordered) ack report into a. Older reports only
// add bits.
func (a *AckState) Merge(o AckState) {
	if !o.Last.IsValid() {
		return
	}
	if !a.Last.IsValid() {
		*a = o
		return
	}
	d := o.Last.TicksSince(a.Last)
	switch {
	case d >= AckWindow:
		*a = o
	case d > 0:
		a.Mask = a.Mask<<uint(d) | o.Mask
		a.Last = o.Last
	case d > -AckWindow:
		a.Mask |= o.Mask << uint(-d)
	}
}

// Acked reports whether t is known to have arrived.
func (a *AckState) Acked(t tick.Tick) bool {
	if !a.Last.IsValid() || !t.IsValid() {
		return false
	}
	d := a.Last.TicksSince(t)
	if d < 0 || d >= AckWindow {
		return false
	}
	return a.Mask&(1<<uint(d)) != 0
}

// sentRing remembers the last ticks a ghost was sent to one connection.
type sentRing struct {
	ticks [8]tick.Tick
	next  int
}

func (s *sentRing) add(t tick.Tick) {
	prev := (s.next - 1 + len(s.ticks)) % len(s.ticks)
	if s.ticks[prev].Equal(t) {
		return
	}
	s.ticks[s.next] = t
	s.next = (s.next + 1) % len(s.ticks)
}

// newestAcked returns up to max acked ticks, newest first, for which have
// reports a stored snapshot.
func (s *sentRing) newestAcked(ack *AckState, max int, have func(tick.Tick) bool, dst []tick.Tick) []tick.Tick {
	dst = dst[:0]
	for i := 1; i <= len(s.ticks) && len(dst) < max; i++ {
		t := s.ticks[(s.next-i+len(s.ticks))%len(s.ticks)]
		if !t.IsValid() {
			break
		}
		if ack.Acked(t) && have(t) {
			dst = append(dst, t)
		}
	}
	return dst
}

// anyAcked reports whether any remembered send was acknowledged.
func (s *sentRing) anyAcked(ack *AckState) bool {
	for _, t := range s.ticks {
		if t.IsValid() && ack.Acked(t) {
			return true
		}
	}
	return false
}
