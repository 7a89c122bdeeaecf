// Package timesync derives, once per step, the tick a client predicts up to
// and the tick it renders interpolated ghosts at, from noisy round-trip
// samples and acknowledged server ticks.
package timesync

import "time"

// Estimator smooths round-trip samples the way TCP does (RFC 6298):
// SRTT gains 1/8 of each error, RTTVAR 1/4.
type Estimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	samples int
}

func (e *Estimator) Add(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if e.samples == 0 {
		e.srtt = rtt
		e.rttvar = rtt / 2
	} else {
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar += (diff - e.rttvar) / 4
		e.srtt += (rtt - e.srtt) / 8
	}
	e.samples++
}

func (e *Estimator) RTT() time.Duration    { return e.srtt }
func (e *Estimator) Jitter() time.Duration { return e.rttvar }
func (e *Estimator) Samples() int          { return e.samples }
