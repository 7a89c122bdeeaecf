package timesync

import (
	"math"
	"time"

	"github.com/l1jgo/ghostnet/internal/core/event"
	"github.com/l1jgo/ghostnet/internal/tick"
	"go.uber.org/zap"
)

// Targets are the per-step outputs of the control loop.
type Targets struct {
	Predict             tick.Tick
	Interpolate         tick.Tick
	InterpolateFraction float32

	// Rollback is set on the step a large regression was classified.
	Rollback     bool
	RollbackFrom tick.Tick
}

// Server reports the authoritative tick for both targets.
func Server(current tick.Tick) Targets {
	return Targets{Predict: current, Interpolate: current}
}

// Client is the per-connection network time state of one client.
type Client struct {
	cfg  Config
	log  *zap.Logger
	bus  *event.Bus
	conn int32

	est       Estimator
	lastAcked tick.Tick
	receipt   time.Time

	predict    tick.Tick
	interp     tick.Tick
	interpFrac float64
	frames     uint64
	lastUpdate time.Time

	rollbacks int
}

func NewClient(cfg Config, conn int32, bus *event.Bus, log *zap.Logger) *Client {
	return &Client{cfg: cfg, conn: conn, bus: bus, log: log}
}

func (c *Client) Estimator() *Estimator { return &c.est }

// AddRTT feeds one round-trip sample.
func (c *Client) AddRTT(rtt time.Duration) { c.est.Add(rtt) }

// OnSnapshot records the arrival of server tick t at local time at. Older
// ticks are reordering and ignored, unless they are older by more than the
// rollback threshold, which means the server timeline moved and is adopted.
func (c *Client) OnSnapshot(t tick.Tick, at time.Time) {
	if !t.IsValid() {
		return
	}
	if c.lastAcked.IsValid() {
		d := t.TicksSince(c.lastAcked)
		if d <= 0 && d >= -int32(c.cfg.RollbackThreshold) {
			return
		}
	}
	c.lastAcked, c.receipt = t, at
}

// LastAcked returns the newest server tick adopted.
func (c *Client) LastAcked() tick.Tick { return c.lastAcked }

// InterpolationFrames counts steps since interpolation started; it never
// decreases.
func (c *Client) InterpolationFrames() uint64 { return c.frames }

// Rollbacks returns how many large rollbacks were classified.
func (c *Client) Rollbacks() int { return c.rollbacks }

// Lead returns the prediction lead in ticks for the current estimates.
// Sub-millisecond jitter is treated as noise.
func (c *Client) Lead() int {
	margin := c.cfg.SafetyMargin + (2 * c.est.Jitter()).Truncate(time.Millisecond)
	lead := int(ceilDiv(c.est.RTT()+margin, c.cfg.TickDuration))
	if lead < c.cfg.MinPredictionLead {
		lead = c.cfg.MinPredictionLead
	}
	return lead
}

// Estimate returns the server tick expected at now and the fraction of the
// tick elapsed.
func (c *Client) Estimate(now time.Time) (tick.Tick, float64) {
	elapsed := now.Sub(c.receipt)
	if elapsed < 0 {
		elapsed = 0
	}
	whole := elapsed / c.cfg.TickDuration
	frac := float64(elapsed%c.cfg.TickDuration) / float64(c.cfg.TickDuration)
	return c.lastAcked.Add(uint32(whole)), frac
}

// Update advances the loop to now. Before the first snapshot it returns
// invalid targets.
func (c *Client) Update(now time.Time) Targets {
	if !c.lastAcked.IsValid() {
		return Targets{}
	}
	est, frac := c.Estimate(now)
	out := Targets{}

	next := est.Add(uint32(c.Lead()))
	switch {
	case !c.predict.IsValid():
		c.predict = next
	case next.IsOlderThan(c.predict):
		delta := next.TicksSince(c.predict)
		if -delta > int32(c.cfg.RollbackThreshold) {
			c.log.Warn("large prediction rollback",
				zap.Int32("connection", c.conn),
				zap.Stringer("old", c.predict),
				zap.Stringer("new", next),
				zap.Int32("delta", delta))
			event.Emit(c.bus, event.LargeRollback{Connection: c.conn, Old: c.predict, New: next, Delta: delta})
			out.Rollback, out.RollbackFrom = true, c.predict
			c.predict = next
			c.rollbacks++
		}
		// Smaller regressions hold the previous target.
	default:
		c.predict = next
	}
	out.Predict = c.predict

	c.advanceInterpolation(now, est, frac, out.Rollback)
	out.Interpolate = c.interp
	out.InterpolateFraction = float32(c.interpFrac)
	c.frames++
	c.lastUpdate = now
	return out
}

func (c *Client) interpDelay() int {
	d := c.cfg.InterpolationDelay
	if max := c.cfg.MaxInterpolationDelay(); d > max {
		d = max
	}
	return d
}

// advanceInterpolation moves the interpolation clock toward the desired
// position with a time scale in [0, MaxTimeScale], so it never runs
// backwards. It jumps when too far behind or when the timeline was reset.
func (c *Client) advanceInterpolation(now time.Time, est tick.Tick, frac float64, reset bool) {
	desired := est.Subtract(uint32(c.interpDelay()))
	if !c.interp.IsValid() || reset {
		c.interp, c.interpFrac = desired, frac
		return
	}
	stepTicks := float64(now.Sub(c.lastUpdate)) / float64(c.cfg.TickDuration)
	if stepTicks <= 0 {
		return
	}
	// Distance to the desired position after a normal-speed advance.
	behind := float64(desired.TicksSince(c.interp)) + frac - c.interpFrac - stepTicks
	if behind > float64(c.cfg.CatchupThreshold) {
		c.interp, c.interpFrac = desired, frac
		return
	}
	scale := math.Max(0, math.Min(c.cfg.MaxTimeScale, 1+0.1*behind))
	adv := stepTicks * scale
	if behind > 0 && adv > stepTicks+behind {
		adv = stepTicks + behind
	}
	total := c.interpFrac + adv
	whole := math.Floor(total)
	c.interp = c.interp.Add(uint32(whole))
	c.interpFrac = total - whole
}
