package world

import (
	"errors"
	"time"

	"github.com/l1jgo/ghostnet/internal/config"
	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/core/event"
	coresys "github.com/l1jgo/ghostnet/internal/core/system"
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/prediction"
	"github.com/l1jgo/ghostnet/internal/replication"
	"github.com/l1jgo/ghostnet/internal/schema"
	"github.com/l1jgo/ghostnet/internal/snapshot"
	"github.com/l1jgo/ghostnet/internal/system"
	"github.com/l1jgo/ghostnet/internal/tick"
	"github.com/l1jgo/ghostnet/internal/timesync"
	"go.uber.org/zap"
)

// RedundantInputs is how many of the newest inputs ride on every ack packet,
// so a lost datagram does not lose a command.
const RedundantInputs = 8

// InputSource samples the local command for tick t. Nil means no input.
type InputSource func(t tick.Tick) []int32

// ClientDeps wires a Client.
type ClientDeps struct {
	Config *config.Config
	Types  *schema.Collection
	Sim    prediction.Simulator
	Send   func(data []byte)
	ConnID int32
	Bus    *event.Bus
	Log    *zap.Logger
	Clock  func() time.Time
	Input  InputSource // optional
}

// ClientStats are cumulative counters.
type ClientStats struct {
	Frames         uint64
	Packets        uint64
	BadPackets     uint64
	Applied        uint64
	Skipped        uint64
	Mispredictions uint64
	ResimTicks     uint64
	Rollbacks      uint64
	Interpolated   uint64
}

// Client is one connection's view: it applies server snapshots, keeps its
// clocks in sync, predicts its own ghosts and interpolates the rest.
type Client struct {
	cfg   *config.Config
	log   *zap.Logger
	bus   *event.Bus
	clock func() time.Time
	send  func([]byte)
	input InputSource
	start time.Time

	ecs     *ecs.World
	ghosts  *ghost.Store
	history *snapshot.Store
	repl    *replication.Client
	time    *timesync.Client
	recon   *prediction.Reconciler
	runner  *coresys.Runner

	targets   timesync.Targets
	lastInput tick.Tick
	last      prediction.StepResult
	inputs    []ghost.Input
	stats     ClientStats
}

func NewClient(d ClientDeps) (*Client, error) {
	if d.Config == nil || d.Types == nil || d.Sim == nil || d.Send == nil {
		return nil, errors.New("world client: config, types, simulator and send are required")
	}
	if d.Bus == nil {
		d.Bus = event.NewBus()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	log := d.Log.With(zap.Int32("conn", d.ConnID))
	w := ecs.NewWorld()
	ghosts := ghost.NewStore(w, d.Types)
	history := snapshot.NewStore(d.Types, d.Config.Netcode.HistorySlots)
	c := &Client{
		cfg:     d.Config,
		log:     log,
		bus:     d.Bus,
		clock:   d.Clock,
		send:    d.Send,
		input:   d.Input,
		start:   d.Clock(),
		ecs:     w,
		ghosts:  ghosts,
		history: history,
		repl:    replication.NewClient(d.ConnID, replication.NewCodec(d.Types), ghosts, history, d.Bus, log),
		time:    timesync.NewClient(d.Config.TimeSyncConfig(), d.ConnID, d.Bus, log),
		recon:   prediction.NewReconciler(d.Config.PredictionConfig(), d.ConnID, d.Sim, ghosts, history, d.Bus, log),
		runner:  coresys.NewRunner(),
	}
	c.repl.SetSpawnClaimer(c.recon.Claim)
	c.runner.Register(system.NewEventDispatchSystem(d.Bus))
	c.runner.Register(coresys.Func{P: coresys.PhaseTimeSync, Fn: c.syncTime})
	c.runner.Register(coresys.Func{P: coresys.PhaseSimulate, Fn: c.predict})
	c.runner.Register(coresys.Func{P: coresys.PhaseSnapshot, Fn: c.interpolate})
	c.runner.Register(coresys.Func{P: coresys.PhaseSend, Fn: c.sendAck})
	c.runner.Register(system.NewCleanupSystem(w))
	return c, nil
}

func (c *Client) Runner() *coresys.Runner               { return c.runner }
func (c *Client) Bus() *event.Bus                       { return c.bus }
func (c *Client) Ghosts() *ghost.Store                  { return c.ghosts }
func (c *Client) History() *snapshot.Store              { return c.history }
func (c *Client) Replication() *replication.Client      { return c.repl }
func (c *Client) TimeSync() *timesync.Client            { return c.time }
func (c *Client) Reconciler() *prediction.Reconciler    { return c.recon }
func (c *Client) Targets() timesync.Targets             { return c.targets }
func (c *Client) LastPrediction() prediction.StepResult { return c.last }
func (c *Client) Stats() ClientStats                    { return c.stats }
func (c *Client) ConnID() int32                         { return c.repl.ConnID() }

// SpawnPredicted creates a locally predicted ghost ahead of the server.
func (c *Client) SpawnPredicted(typeName string) (ecs.EntityID, *ghost.State, error) {
	l, ok := c.ghosts.Types().ByName(typeName)
	if !ok {
		return 0, nil, errors.New("unknown ghost type " + typeName)
	}
	if !c.targets.Predict.IsValid() {
		return 0, nil, errors.New("spawn predicted: prediction tick not known yet")
	}
	return c.recon.SpawnPredicted(l.Index, c.targets.Predict)
}

// millis is the local clock sent with acks; zero is reserved for "no echo".
func (c *Client) millis(now time.Time) uint32 {
	return uint32(now.Sub(c.start)/time.Millisecond) + 1
}

// Deliver applies a snapshot datagram immediately. Simulation loop only.
func (c *Client) Deliver(data []byte) error {
	now := c.clock()
	res, err := c.repl.Receive(data, c.millis(now))
	if err != nil {
		c.stats.BadPackets++
		return err
	}
	c.stats.Packets++
	c.stats.Applied += uint64(res.Applied)
	c.stats.Skipped += uint64(res.Skipped)
	if res.HasRTT {
		c.time.AddRTT(res.RTT)
	}
	c.time.OnSnapshot(res.ServerTick, now)
	return nil
}

// Frame runs one client frame.
func (c *Client) Frame(dt time.Duration) { c.runner.Tick(dt) }

func (c *Client) syncTime(time.Duration) {
	c.targets = c.time.Update(c.clock())
	c.stats.Frames++
	if c.targets.Rollback {
		// Inputs already sampled past the new target are kept and replayed.
		c.stats.Rollbacks++
	}
}

func (c *Client) predict(time.Duration) {
	p := c.targets.Predict
	if !p.IsValid() {
		return
	}
	if c.input != nil {
		from := p
		if c.lastInput.IsValid() && c.lastInput.IsOlderThan(p) {
			from = c.lastInput.Increment()
		}
		for t := from; !t.IsNewerThan(p); t = t.Increment() {
			if !c.lastInput.IsValid() || t.IsNewerThan(c.lastInput) {
				if data := c.input(t); data != nil {
					c.recon.RecordInput(ghost.Input{Tick: t, Data: data})
				}
				c.lastInput = t
			}
		}
	}
	c.last = c.recon.Step(c.targets)
	c.stats.Mispredictions += uint64(c.last.Mispredicted)
	c.stats.ResimTicks += uint64(c.last.ResimTicks)
}

func (c *Client) interpolate(time.Duration) {
	n := c.repl.ApplyInterpolated(c.targets.Interpolate, c.targets.InterpolateFraction)
	c.stats.Interpolated += uint64(n)
}

func (c *Client) sendAck(time.Duration) {
	now := c.clock()
	c.inputs = c.inputs[:0]
	if p := c.targets.Predict; p.IsValid() {
		c.inputs = c.recon.Inputs(p.Subtract(RedundantInputs-1), p, c.inputs)
	}
	c.send(c.repl.BuildAck(c.millis(now), c.inputs))
}
