package net

import (
	"math/rand"
	"sort"
	"time"
)

// Link is an in-process datagram pipe with latency, jitter and loss, used to
// run servers and clients in one process.
type Link struct {
	latency time.Duration
	jitter  time.Duration
	loss    float64
	rng     *rand.Rand
	queue   []inFlight
	seq     uint64

	Sent, Dropped, Delivered int
}

type inFlight struct {
	at   time.Time
	seq  uint64
	data []byte
}

// NewLink creates a one-way link. lossPercent is 0..100.
func NewLink(latency, jitter time.Duration, lossPercent float64, seed int64) *Link {
	return &Link{
		latency: latency,
		jitter:  jitter,
		loss:    lossPercent / 100,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Send queues a copy of data for delivery. It reports false when the
// datagram was lost.
func (l *Link) Send(now time.Time, data []byte) bool {
	l.Sent++
	if l.loss > 0 && l.rng.Float64() < l.loss {
		l.Dropped++
		return false
	}
	delay := l.latency
	if l.jitter > 0 {
		delay += time.Duration(l.rng.Int63n(int64(2*l.jitter)+1)) - l.jitter
		if delay < 0 {
			delay = 0
		}
	}
	l.seq++
	f := inFlight{at: now.Add(delay), seq: l.seq, data: append([]byte(nil), data...)}
	i := sort.Search(len(l.queue), func(i int) bool {
		q := l.queue[i]
		return q.at.After(f.at) || (q.at.Equal(f.at) && q.seq > f.seq)
	})
	l.queue = append(l.queue, inFlight{})
	copy(l.queue[i+1:], l.queue[i:])
	l.queue[i] = f
	return true
}

// Receive appends every datagram due at now to dst in delivery order.
func (l *Link) Receive(now time.Time, dst [][]byte) [][]byte {
	n := 0
	for n < len(l.queue) && !l.queue[n].at.After(now) {
		dst = append(dst, l.queue[n].data)
		n++
	}
	if n > 0 {
		l.Delivered += n
		copy(l.queue, l.queue[n:])
		for i := len(l.queue) - n; i < len(l.queue); i++ {
			l.queue[i] = inFlight{}
		}
		l.queue = l.queue[:len(l.queue)-n]
	}
	return dst
}

// Pending returns datagrams still in flight.
func (l *Link) Pending() int { return len(l.queue) }
