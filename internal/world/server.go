package world

import (
	"errors"
	"fmt"
	"time"

	"github.com/l1jgo/ghostnet/internal/config"
	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/core/event"
	coresys "github.com/l1jgo/ghostnet/internal/core/system"
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/prediction"
	"github.com/l1jgo/ghostnet/internal/replay"
	"github.com/l1jgo/ghostnet/internal/replication"
	"github.com/l1jgo/ghostnet/internal/schema"
	"github.com/l1jgo/ghostnet/internal/snapshot"
	"github.com/l1jgo/ghostnet/internal/system"
	"github.com/l1jgo/ghostnet/internal/tick"
	"github.com/l1jgo/ghostnet/internal/timesync"
	"go.uber.org/zap"
)

// Transport delivers a datagram to one connection.
type Transport interface {
	Send(conn int32, data []byte)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(conn int32, data []byte)

func (f TransportFunc) Send(conn int32, data []byte) { f(conn, data) }

// Recorder receives every packet crossing the server.
type Recorder interface {
	AppendFrame(t tick.Tick, conn int32, dir replay.Direction, payload []byte) error
}

// ServerDeps wires a Server.
type ServerDeps struct {
	Config    *config.Config
	Types     *schema.Collection
	Sim       prediction.Simulator
	Transport Transport
	Bus       *event.Bus
	Log       *zap.Logger
	Clock     func() time.Time // defaults to time.Now
	Recorder  Recorder         // optional
}

// PacketSample is the last packet sent to one connection.
type PacketSample struct {
	Conn  int32
	Stats replication.PacketStats
}

// ServerStats are cumulative counters.
type ServerStats struct {
	Ticks        uint64
	Packets      uint64
	Bytes        uint64
	SimErrors    uint64
	DroppedTicks uint64
	BadPackets   uint64
}

// Server is the authoritative side: it simulates ghosts, records snapshot
// history and sends one packet per connection per step.
type Server struct {
	cfg       *config.Config
	log       *zap.Logger
	bus       *event.Bus
	clock     func() time.Time
	sim       prediction.Simulator
	transport Transport
	recorder  Recorder

	ecs     *ecs.World
	ghosts  *ghost.Store
	history *snapshot.Store
	repl    *replication.Server
	runner  *coresys.Runner
	planner *timesync.Planner

	tick      tick.Tick
	stepTicks int
	samples   []PacketSample
	stats     ServerStats
}

func NewServer(d ServerDeps) (*Server, error) {
	if d.Config == nil || d.Types == nil || d.Sim == nil || d.Transport == nil {
		return nil, errors.New("world server: config, types, simulator and transport are required")
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
	w := ecs.NewWorld()
	ghosts := ghost.NewStore(w, d.Types)
	history := snapshot.NewStore(d.Types, d.Config.Netcode.HistorySlots)
	s := &Server{
		cfg:       d.Config,
		log:       d.Log,
		bus:       d.Bus,
		clock:     d.Clock,
		sim:       d.Sim,
		transport: d.Transport,
		recorder:  d.Recorder,
		ecs:       w,
		ghosts:    ghosts,
		history:   history,
		repl:      replication.NewServer(d.Config.ReplicationConfig(), replication.NewCodec(d.Types), ghosts, history, d.Bus, d.Log),
		runner:    coresys.NewRunner(),
		planner:   timesync.NewPlanner(d.Config.TimeSyncConfig()),
		tick:      tick.New(0),
	}
	s.runner.Register(system.NewEventDispatchSystem(d.Bus))
	s.runner.Register(coresys.Func{P: coresys.PhaseSimulate, Fn: s.simulate})
	s.runner.Register(coresys.Func{P: coresys.PhaseSnapshot, Fn: s.snapshot})
	s.runner.Register(coresys.Func{P: coresys.PhaseSend, Fn: s.send})
	s.runner.Register(system.NewCleanupSystem(w))
	return s, nil
}

func (s *Server) Runner() *coresys.Runner          { return s.runner }
func (s *Server) Bus() *event.Bus                  { return s.bus }
func (s *Server) Ghosts() *ghost.Store             { return s.ghosts }
func (s *Server) History() *snapshot.Store         { return s.history }
func (s *Server) Replication() *replication.Server { return s.repl }
func (s *Server) Tick() tick.Tick                  { return s.tick }
func (s *Server) Stats() ServerStats               { return s.stats }
func (s *Server) LastPackets() []PacketSample      { return s.samples }
func (s *Server) Targets() timesync.Targets        { return timesync.Server(s.tick) }
func (s *Server) TickDuration() time.Duration      { return s.cfg.TickDuration() }
func (s *Server) Types() *schema.Collection        { return s.ghosts.Types() }
func (s *Server) Connection(conn int32) (*replication.Connection, bool) {
	return s.repl.Connection(conn)
}

// AddConnection registers a client. When avatar names a ghost type, a ghost
// of that type owned by the connection is spawned.
func (s *Server) AddConnection(conn int32, avatar string) error {
	if _, ok := s.repl.Connection(conn); ok {
		return fmt.Errorf("connection %d already registered", conn)
	}
	s.repl.AddConnection(conn)
	if avatar == "" {
		return nil
	}
	if _, _, err := s.Spawn(avatar, conn); err != nil {
		s.repl.RemoveConnection(conn)
		return fmt.Errorf("spawn avatar for %d: %w", conn, err)
	}
	s.log.Info("connection added", zap.Int32("conn", conn), zap.String("avatar", avatar))
	return nil
}

// RemoveConnection forgets a client and despawns the ghosts it owned.
func (s *Server) RemoveConnection(conn int32) {
	s.repl.RemoveConnection(conn)
	s.ghosts.Each(func(id ecs.EntityID, info *ghost.Info, _ *ghost.State) {
		if info.Owner == conn {
			s.repl.Despawn(id, s.tick)
		}
	})
	s.log.Info("connection removed", zap.Int32("conn", conn))
}

// Spawn creates a ghost of the named type at the current tick.
func (s *Server) Spawn(typeName string, owner int32) (ecs.EntityID, *ghost.State, error) {
	l, ok := s.ghosts.Types().ByName(typeName)
	if !ok {
		return 0, nil, fmt.Errorf("unknown ghost type %q", typeName)
	}
	return s.repl.Spawn(l.Index, owner, s.tick)
}

func (s *Server) Despawn(id ecs.EntityID) { s.repl.Despawn(id, s.tick) }

// Deliver applies a datagram from conn immediately. Simulation loop only.
func (s *Server) Deliver(conn int32, data []byte) error {
	if s.recorder != nil {
		if err := s.recorder.AppendFrame(s.tick, conn, replay.ToServer, data); err != nil {
			s.log.Debug("replay frame dropped", zap.Error(err))
		}
	}
	if err := s.repl.HandleClient(conn, data, s.clock()); err != nil {
		s.stats.BadPackets++
		return err
	}
	return nil
}

// Advance consumes elapsed wall time and runs the planned steps.
func (s *Server) Advance(elapsed time.Duration) timesync.Plan {
	plan := s.planner.Plan(elapsed)
	for _, st := range plan.Steps {
		s.stepTicks = st.Ticks
		s.runner.Tick(st.Delta)
	}
	if plan.Dropped > 0 {
		s.stats.DroppedTicks += uint64(plan.Dropped)
		s.log.Warn("simulation behind, dropping ticks", zap.Int("dropped", plan.Dropped))
	}
	return plan
}

// Step runs exactly one tick.
func (s *Server) Step() {
	s.stepTicks = 1
	s.runner.Tick(s.cfg.TickDuration())
}

func (s *Server) simulate(time.Duration) {
	for i := 0; i < s.stepTicks; i++ {
		s.tick = s.tick.Increment()
		s.stats.Ticks++
		s.ghosts.Each(func(id ecs.EntityID, info *ghost.Info, st *ghost.State) {
			if s.ecs.PendingDestruction(id) {
				return
			}
			var in *ghost.Input
			if c, ok := s.repl.Connection(info.Owner); ok {
				if v, ok := c.Input(s.tick); ok {
					in = &v
				}
			}
			if err := s.sim.Step(s.tick, info, st, in); err != nil {
				s.stats.SimErrors++
				s.log.Debug("simulation step failed", zap.Uint32("net_id", info.NetID), zap.Error(err))
			}
		})
	}
}

func (s *Server) snapshot(time.Duration) {
	if err := s.repl.RecordHistory(s.tick); err != nil {
		s.log.Error("record history", zap.Stringer("tick", s.tick), zap.Error(err))
	}
}

func (s *Server) send(time.Duration) {
	now := s.clock()
	s.samples = s.samples[:0]
	for _, conn := range s.repl.Connections() {
		data, err := s.repl.BuildPacket(conn, s.tick, now)
		if err != nil {
			s.log.Warn("build packet", zap.Int32("conn", conn), zap.Error(err))
			continue
		}
		s.transport.Send(conn, data)
		if s.recorder != nil {
			if err := s.recorder.AppendFrame(s.tick, conn, replay.ToClient, data); err != nil {
				s.log.Debug("replay frame dropped", zap.Error(err))
			}
		}
		s.stats.Packets++
		s.stats.Bytes += uint64(len(data))
		if c, ok := s.repl.Connection(conn); ok {
			s.samples = append(s.samples, PacketSample{Conn: conn, Stats: c.LastStats()})
		}
	}
}
