package replication

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/core/event"
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/net/packet"
	"github.com/l1jgo/ghostnet/internal/snapshot"
	"github.com/l1jgo/ghostnet/internal/tick"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServerConfig tunes packet assembly.
type ServerConfig struct {
	Workers        int  // encode goroutines; <= 1 encodes inline
	MaxPacketBytes int  // body budget; ghosts beyond it wait for the next packet
	MultiBaseline  bool // encode against three baselines when available
	InputBuffer    int  // ticks of client input kept per connection
}

type ghostSend struct {
	sent           sentRing
	spawnConfirmed bool
}

// Connection is the server's per-client replication state.
type Connection struct {
	ID  int32
	Ack AckState

	ghosts   map[ecs.EntityID]*ghostSend
	despawns map[uint32]tick.Tick // net id -> first tick the despawn was sent
	cursor   int

	echoTime   uint32
	echoAt     time.Time
	hasEcho    bool
	inputs     map[uint32]ghost.Input // keyed by tick value
	lastInput  tick.Tick
	lastPacket PacketStats
}

// Input returns the connection's command for tick t.
func (c *Connection) Input(t tick.Tick) (ghost.Input, bool) {
	in, ok := c.inputs[t.Value()]
	return in, ok
}

// LastStats returns statistics of the newest packet built for c.
func (c *Connection) LastStats() PacketStats { return c.lastPacket }

// PacketStats summarizes one built packet.
type PacketStats struct {
	Tick     tick.Tick
	Bytes    int
	Ghosts   int
	Spawns   int
	Despawns int
	Deferred int
}

type encodeJob struct {
	id      ecs.EntityID
	netID   uint32
	state   *ghost.State
	base    Baselines
	filter  Filter
	spawn   *spawnRecord
	spawnV  spawnRecord
	w       *packet.Writer
	changed int
}

// Server owns the authoritative snapshot history and builds packets for
// every connection.
type Server struct {
	log     *zap.Logger
	cfg     ServerConfig
	codec   *Codec
	ghosts  *ghost.Store
	history *snapshot.Store
	bus     *event.Bus

	conns   map[int32]*Connection
	nextNet uint32

	jobs    []encodeJob
	writers []*packet.Writer
	body    *packet.Writer
	tickBuf []tick.Tick
	ids     []ecs.EntityID
}

func NewServer(cfg ServerConfig, codec *Codec, ghosts *ghost.Store, history *snapshot.Store, bus *event.Bus, log *zap.Logger) *Server {
	if cfg.MaxPacketBytes <= 0 {
		cfg.MaxPacketBytes = 1200
	}
	if cfg.InputBuffer <= 0 {
		cfg.InputBuffer = 64
	}
	s := &Server{
		log:     log,
		cfg:     cfg,
		codec:   codec,
		ghosts:  ghosts,
		history: history,
		bus:     bus,
		conns:   make(map[int32]*Connection),
		nextNet: 1,
		body:    packet.NewWriter(),
	}
	ghosts.World().OnDestroy(func(id ecs.EntityID) {
		history.Remove(id)
		for _, c := range s.conns {
			delete(c.ghosts, id)
		}
	})
	return s
}

func (s *Server) Ghosts() *ghost.Store     { return s.ghosts }
func (s *Server) History() *snapshot.Store { return s.history }

// Spawn creates an authoritative ghost with a fresh network id.
func (s *Server) Spawn(typeIndex int, owner int32, t tick.Tick) (ecs.EntityID, *ghost.State, error) {
	if !t.IsValid() {
		return 0, nil, fmt.Errorf("spawn ghost type %d: %w", typeIndex, tick.ErrInvalidTickOperation)
	}
	netID := s.nextNet
	id, st, err := s.ghosts.Spawn(ghost.Info{NetID: netID, Type: typeIndex, Owner: owner, SpawnTick: t})
	if err != nil {
		return 0, nil, err
	}
	if err := s.history.Track(id, typeIndex); err != nil {
		s.ghosts.Despawn(id)
		return 0, nil, err
	}
	s.nextNet++
	event.Emit(s.bus, event.GhostSpawned{Entity: id, NetID: netID, Type: typeIndex})
	return id, st, nil
}

// Despawn queues a ghost for destruction and schedules the despawn message
// for every connection that was told about it.
func (s *Server) Despawn(id ecs.EntityID, t tick.Tick) {
	info, ok := s.ghosts.Info(id)
	if !ok || s.ghosts.World().PendingDestruction(id) {
		return
	}
	for _, c := range s.conns {
		if _, sent := c.ghosts[id]; sent {
			c.despawns[info.NetID] = tick.Invalid
		}
	}
	s.ghosts.Despawn(id)
	event.Emit(s.bus, event.GhostDespawned{Entity: id, NetID: info.NetID})
}

func (s *Server) AddConnection(id int32) *Connection {
	c := &Connection{
		ID:       id,
		ghosts:   make(map[ecs.EntityID]*ghostSend),
		despawns: make(map[uint32]tick.Tick),
		inputs:   make(map[uint32]ghost.Input),
	}
	s.conns[id] = c
	return c
}

func (s *Server) RemoveConnection(id int32) { delete(s.conns, id) }

func (s *Server) Connection(id int32) (*Connection, bool) {
	c, ok := s.conns[id]
	return c, ok
}

// Connections returns connection ids in ascending order.
func (s *Server) Connections() []int32 {
	out := make([]int32, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HandleClient applies an ack/input packet from connection conn.
func (s *Server) HandleClient(conn int32, data []byte, now time.Time) error {
	c, ok := s.conns[conn]
	if !ok {
		return fmt.Errorf("client packet from unknown connection %d", conn)
	}
	p, err := ParseClient(data)
	if err != nil {
		return err
	}
	newer := !c.Ack.Last.IsValid() || (p.Ack.Last.IsValid() && p.Ack.Last.IsNewerThan(c.Ack.Last))
	c.Ack.Merge(p.Ack)
	if newer || !c.hasEcho {
		c.echoTime, c.echoAt, c.hasEcho = p.ClientTime, now, true
	}
	for _, in := range p.Inputs {
		if !in.Tick.IsValid() {
			continue
		}
		if _, dup := c.inputs[in.Tick.Value()]; dup {
			continue
		}
		c.inputs[in.Tick.Value()] = in
		if !c.lastInput.IsValid() || in.Tick.IsNewerThan(c.lastInput) {
			c.lastInput = in.Tick
		}
	}
	if len(c.inputs) > s.cfg.InputBuffer && c.lastInput.IsValid() {
		for k, in := range c.inputs {
			if c.lastInput.TicksSince(in.Tick) >= int32(s.cfg.InputBuffer) {
				delete(c.inputs, k)
			}
		}
	}
	return nil
}

// RecordHistory serializes every live ghost into the snapshot history for
// tick t. Ghosts whose buffers overflow are despawned and reported.
func (s *Server) RecordHistory(t tick.Tick) error {
	s.ids = append(s.ids[:0], s.ghosts.Sorted()...)
	errs := make([]error, len(s.ids))
	var g errgroup.Group
	if s.cfg.Workers > 1 {
		g.SetLimit(s.cfg.Workers)
	} else {
		g.SetLimit(1)
	}
	for i, id := range s.ids {
		st, ok := s.ghosts.State(id)
		if !ok {
			continue
		}
		i, id := i, id
		g.Go(func() error {
			errs[i] = s.history.WriteState(id, t, st)
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		id := s.ids[i]
		info, _ := s.ghosts.Info(id)
		var capErr *snapshot.CapacityError
		if errors.As(err, &capErr) {
			s.log.Warn("ghost buffer overflow, despawning",
				zap.Uint32("net_id", info.NetID), zap.Int("need", capErr.Need), zap.Int("cap", capErr.Cap))
			event.Emit(s.bus, event.CapacityExceeded{Entity: id, NetID: info.NetID, Need: capErr.Need, Cap: capErr.Cap})
			s.Despawn(id, t)
			continue
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("record history ghost %d: %w", info.NetID, err)
		}
	}
	return firstErr
}

// BuildPacket assembles the snapshot packet for one connection at tick t.
// Baselines and spawn state are resolved on the calling goroutine; ghost
// payloads are then encoded in parallel and stitched together in network
// id order.
func (s *Server) BuildPacket(conn int32, t tick.Tick, now time.Time) ([]byte, error) {
	c, ok := s.conns[conn]
	if !ok {
		return nil, fmt.Errorf("build packet: unknown connection %d", conn)
	}
	ids := s.ghosts.Sorted()
	maxBase := 1
	if s.cfg.MultiBaseline {
		maxBase = MaxBaselines
	}

	// Baseline barrier.
	jobs := s.jobs[:0]
	n := len(ids)
	for k := 0; k < n; k++ {
		id := ids[(c.cursor+k)%n]
		if s.ghosts.World().PendingDestruction(id) {
			continue
		}
		info, _ := s.ghosts.Info(id)
		st, _ := s.ghosts.State(id)
		gs := c.ghosts[id]
		if gs == nil {
			gs = &ghostSend{}
			c.ghosts[id] = gs
		}
		if !gs.spawnConfirmed && gs.sent.anyAcked(&c.Ack) {
			gs.spawnConfirmed = true
		}
		owner := info.Owner == c.ID
		job := encodeJob{
			id:     id,
			netID:  info.NetID,
			state:  st,
			filter: Filter{Owner: owner, Predicted: info.Mode.PredictedBy(owner)},
		}
		if len(jobs) == len(s.writers) {
			s.writers = append(s.writers, packet.NewWriter())
		}
		job.w = s.writers[len(jobs)]
		job.w.Reset()
		if gs.spawnConfirmed {
			s.tickBuf = gs.sent.newestAcked(&c.Ack, maxBase, func(bt tick.Tick) bool {
				_, ok := s.history.ReadAtTick(id, bt)
				return ok
			}, s.tickBuf)
			for _, bt := range s.tickBuf {
				v, _ := s.history.ReadAtTick(id, bt)
				job.base.Add(bt, v)
			}
			// Linear prediction needs three baselines; a second one alone buys nothing.
			if job.base.N == 2 {
				job.base.N = 1
			}
		} else {
			l, _ := s.ghosts.Types().Layout(info.Type)
			job.spawnV = spawnRecord{Type: info.Type, Hash: l.Hash, Owner: info.Owner, Mode: info.Mode, SpawnTick: info.SpawnTick}
			job.spawn = &job.spawnV
		}
		jobs = append(jobs, job)
	}
	s.jobs = jobs

	// Parallel encode.
	if s.cfg.Workers > 1 && len(jobs) > 1 {
		var g errgroup.Group
		g.SetLimit(s.cfg.Workers)
		for i := range jobs {
			j := &jobs[i]
			g.Go(func() error {
				j.changed = s.codec.encodeGhost(t, j.state, &j.base, j.filter, j.w)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range jobs {
			j := &jobs[i]
			j.changed = s.codec.encodeGhost(t, j.state, &j.base, j.filter, j.w)
		}
	}

	// Assembly.
	stats := PacketStats{Tick: t}
	h := SnapshotHeader{ServerTick: t}
	if c.hasEcho {
		h.EchoTime = c.echoTime
		h.EchoHold = uint32(now.Sub(c.echoAt) / time.Millisecond)
	}
	for netID, first := range c.despawns {
		if first.IsValid() && c.Ack.Last.IsValid() && !c.Ack.Last.IsOlderThan(first) {
			delete(c.despawns, netID)
			continue
		}
		if !first.IsValid() {
			c.despawns[netID] = t
		}
		h.Despawns = append(h.Despawns, netID)
	}
	sort.Slice(h.Despawns, func(i, j int) bool { return h.Despawns[i] < h.Despawns[j] })
	stats.Despawns = len(h.Despawns)

	s.body.Reset()
	budget := s.cfg.MaxPacketBytes
	nextCursor := 0
	for i := range jobs {
		j := &jobs[i]
		before := s.body.BitLength()
		writeGhostHeader(s.body, j.netID, j.spawn, j.w.BitLength())
		s.body.WriteWriter(j.w)
		if s.body.Len() > budget && stats.Ghosts > 0 {
			s.truncate(before)
			stats.Deferred = len(jobs) - i
			nextCursor = indexOf(ids, j.id)
			break
		}
		c.ghosts[j.id].sent.add(t)
		stats.Ghosts++
		if j.spawn != nil {
			stats.Spawns++
		}
	}
	if stats.Deferred > 0 {
		c.cursor = nextCursor
	} else {
		c.cursor = 0
	}
	h.GhostCount = stats.Ghosts

	out := AppendSnapshot(make([]byte, 0, s.body.Len()+32), &h, s.body.Bytes())
	stats.Bytes = len(out)
	c.lastPacket = stats
	return out, nil
}

// truncate rewinds the body to bits by re-encoding its prefix. Only used when
// the budget is exceeded, at most once per packet.
func (s *Server) truncate(bits int) {
	data := append([]byte(nil), s.body.Bytes()...)
	s.body.Reset()
	r := packet.NewReader(data)
	for bits >= 32 {
		s.body.WriteBits(r.ReadBits(32), 32)
		bits -= 32
	}
	s.body.WriteBits(r.ReadBits(bits), bits)
}

func indexOf(ids []ecs.EntityID, id ecs.EntityID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return 0
}
