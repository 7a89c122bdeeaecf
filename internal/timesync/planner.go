package timesync

import "time"

// Step is one simulation call covering Ticks ticks.
type Step struct {
	Ticks int
	Delta time.Duration
}

// Plan is the work for one frame.
type Plan struct {
	Steps   []Step
	Dropped int // ticks discarded beyond the step and batch caps
}

// Planner converts wall-clock frame time into discrete steps. It prefers
// whole single-tick steps up to MaxStepsPerFrame; only past that cap is the
// remainder batched into the last step, up to MaxBatchTicks.
type Planner struct {
	cfg   Config
	acc   time.Duration
	steps []Step
}

func NewPlanner(cfg Config) *Planner {
	return &Planner{cfg: cfg, steps: make([]Step, 0, cfg.MaxStepsPerFrame)}
}

// Plan consumes elapsed wall time. The returned Steps slice is reused by the
// next call.
func (p *Planner) Plan(elapsed time.Duration) Plan {
	if elapsed > 0 {
		p.acc += elapsed
	}
	dt := p.cfg.TickDuration
	ticks := int(p.acc / dt)
	p.acc -= time.Duration(ticks) * dt

	p.steps = p.steps[:0]
	if ticks == 0 {
		return Plan{Steps: p.steps}
	}
	if ticks <= p.cfg.MaxStepsPerFrame {
		for i := 0; i < ticks; i++ {
			p.steps = append(p.steps, Step{Ticks: 1, Delta: dt})
		}
		return Plan{Steps: p.steps}
	}
	for i := 0; i < p.cfg.MaxStepsPerFrame-1; i++ {
		p.steps = append(p.steps, Step{Ticks: 1, Delta: dt})
	}
	rest := ticks - (p.cfg.MaxStepsPerFrame - 1)
	dropped := 0
	if rest > p.cfg.MaxBatchTicks {
		dropped = rest - p.cfg.MaxBatchTicks
		rest = p.cfg.MaxBatchTicks
	}
	p.steps = append(p.steps, Step{Ticks: rest, Delta: time.Duration(rest) * dt})
	return Plan{Steps: p.steps, Dropped: dropped}
}
