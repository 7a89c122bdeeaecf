package system

import "time"

// Phase defines execution ordering within a single step.
type Phase int

const (
	PhaseReceive     Phase = iota // 0: drain transport queues, decode packets
	PhaseTimeSync                 // 1: update network time targets
	PhaseSimulate                 // 2: authoritative step (server) or prediction + reconcile (client)
	PhaseSnapshot                 // 3: write snapshot history / apply interpolation
	PhaseSend                     // 4: build + send packets and acks
	PhaseDiagnostics              // 5: replay frames, stats flush
	PhaseCleanup                  // 6: destroy queued ghosts

	phaseCount
)

var phaseNames = [...]string{"receive", "timesync", "simulate", "snapshot", "send", "diagnostics", "cleanup"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) && p >= 0 {
		return phaseNames[p]
	}
	return "unknown"
}

// System is one unit of per-step work.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}

// Func adapts a closure into a System.
type Func struct {
	P  Phase
	Fn func(dt time.Duration)
}

func (f Func) Phase() Phase            { return f.P }
func (f Func) Update(dt time.Duration) { f.Fn(dt) }
