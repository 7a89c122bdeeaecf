package system

import (
	"sort"
	"time"
)

// Runner executes systems in phase order. Systems sharing a phase keep their
// registration order.
type Runner struct {
	systems []System
	sorted  bool
	now     func() time.Time
	spent   [phaseCount]time.Duration // cost of the last step per phase
}

func NewRunner() *Runner {
	return &Runner{systems: make([]System, 0, 8), now: time.Now}
}

func (r *Runner) Register(s System) {
	r.systems = append(r.systems, s)
	r.sorted = false
}

// Tick runs one full step and records how long each phase took.
func (r *Runner) Tick(dt time.Duration) {
	r.ensureSorted()
	r.spent = [phaseCount]time.Duration{}
	for _, s := range r.systems {
		start := r.now()
		s.Update(dt)
		if p := s.Phase(); p >= 0 && p < phaseCount {
			r.spent[p] += r.now().Sub(start)
		}
	}
}

// TickPhase runs only the systems of one phase, e.g. to drain the receive
// queue on a frame that plans no step.
func (r *Runner) TickPhase(phase Phase, dt time.Duration) {
	r.ensureSorted()
	for _, s := range r.systems {
		if s.Phase() == phase {
			s.Update(dt)
		}
	}
}

// Spent returns the wall time phase p took during the last Tick.
func (r *Runner) Spent(p Phase) time.Duration {
	if p < 0 || p >= phaseCount {
		return 0
	}
	return r.spent[p]
}

// Total returns the wall time of the last Tick.
func (r *Runner) Total() time.Duration {
	var d time.Duration
	for _, s := range r.spent {
		d += s
	}
	return d
}

func (r *Runner) ensureSorted() {
	if r.sorted {
		return
	}
	sort.SliceStable(r.systems, func(i, j int) bool {
		return r.systems[i].Phase() < r.systems[j].Phase()
	})
	r.sorted = true
}
