package replication

import (
	"errors"
	"time"

	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/core/event"
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/net/packet"
	"github.com/l1jgo/ghostnet/internal/snapshot"
	"github.com/l1jgo/ghostnet/internal/tick"
	"go.uber.org/zap"
)

// SpawnClaimer lets the prediction layer adopt a server spawn as one of its
// predicted spawns. It returns the adopted entity when one matched.
type SpawnClaimer func(netID uint32, info ghost.Info) (ecs.EntityID, bool)

// ReceiveResult summarizes one applied snapshot packet.
type ReceiveResult struct {
	ServerTick tick.Tick
	RTT        time.Duration
	HasRTT     bool
	Applied    int
	Skipped    int
	Spawned    []ecs.EntityID
	Despawned  int
}

type scratch struct {
	fixed []byte
	dyn   []byte
}

// Client applies server packets to the local ghost world.
type Client struct {
	log     *zap.Logger
	connID  int32
	codec   *Codec
	ghosts  *ghost.Store
	history *snapshot.Store
	bus     *event.Bus

	ack      AckState
	rejected map[int]bool
	scratch  []scratch
	claim    SpawnClaimer
	newest   tick.Tick
}

func NewClient(connID int32, codec *Codec, ghosts *ghost.Store, history *snapshot.Store, bus *event.Bus, log *zap.Logger) *Client {
	types := codec.Types()
	c := &Client{
		log:      log,
		connID:   connID,
		codec:    codec,
		ghosts:   ghosts,
		history:  history,
		bus:      bus,
		rejected: make(map[int]bool),
		scratch:  make([]scratch, len(types.Types)),
	}
	for i, l := range types.Types {
		c.scratch[i] = scratch{fixed: make([]byte, l.SnapshotSize), dyn: make([]byte, l.DynamicCapacity)}
	}
	ghosts.World().OnDestroy(history.Remove)
	return c
}

// SetSpawnClaimer installs the predicted-spawn matcher.
func (c *Client) SetSpawnClaimer(fn SpawnClaimer) { c.claim = fn }

func (c *Client) ConnID() int32            { return c.connID }
func (c *Client) Ack() AckState            { return c.ack }
func (c *Client) NewestTick() tick.Tick    { return c.newest }
func (c *Client) Ghosts() *ghost.Store     { return c.ghosts }
func (c *Client) History() *snapshot.Store { return c.history }

// BuildAck serializes the ack/input packet for the server.
func (c *Client) BuildAck(clientTime uint32, inputs []ghost.Input) []byte {
	return AppendClient(nil, &ClientPacket{Ack: c.ack, ClientTime: clientTime, Inputs: inputs})
}

// Receive applies a snapshot packet. clientTime is the local clock in
// milliseconds, used with the echoed ack time to sample RTT. A per-ghost
// failure skips that ghost only; the returned error is non-nil only when the
// packet framing itself is broken.
func (c *Client) Receive(data []byte, clientTime uint32) (ReceiveResult, error) {
	p, err := ParseSnapshot(data)
	if err != nil {
		return ReceiveResult{}, err
	}
	res := ReceiveResult{ServerTick: p.ServerTick}
	if !c.newest.IsValid() || p.ServerTick.IsNewerThan(c.newest) {
		c.newest = p.ServerTick
	}
	if p.EchoTime != 0 {
		rtt := int64(clientTime) - int64(p.EchoTime) - int64(p.EchoHold)
		if rtt >= 0 {
			res.RTT, res.HasRTT = time.Duration(rtt)*time.Millisecond, true
		}
	}

	for _, netID := range p.Despawns {
		if id, ok := c.ghosts.ByNetID(netID); ok && !c.ghosts.World().PendingDestruction(id) {
			c.ghosts.Despawn(id)
			event.Emit(c.bus, event.GhostDespawned{Entity: id, NetID: netID})
			res.Despawned++
		}
	}

	// A tick is acknowledged only when every decodable ghost in it was
	// stored, otherwise the server could pick a baseline we do not hold.
	complete := true
	r := packet.NewReader(p.Body)
	for i := 0; i < p.GhostCount; i++ {
		netID, spawn, bits := readGhostHeader(r)
		payload := r.Sub(bits)
		if r.Failed() {
			c.log.Debug("dropping snapshot remainder", zap.Stringer("tick", p.ServerTick), zap.Int("ghosts", p.GhostCount))
			return res, protocolErr(netID, "ghost framing broken after %d of %d ghosts", i, p.GhostCount)
		}
		if spawn != nil {
			if err := spawn.validate(netID); err != nil {
				res.Skipped++
				complete = false
				c.log.Debug("ghost skipped", zap.Uint32("net_id", netID), zap.Error(err))
				event.Emit(c.bus, event.GhostDecodeFailed{NetID: netID, Tick: p.ServerTick, Reason: err.Error()})
				continue
			}
		}
		id, ok := c.resolve(netID, spawn, p.ServerTick, &res)
		if !ok {
			res.Skipped++
			continue
		}
		if err := c.decodeInto(id, netID, p.ServerTick, payload); err != nil {
			res.Skipped++
			if !errors.Is(err, snapshot.ErrStale) {
				complete = false
				c.log.Debug("ghost skipped", zap.Uint32("net_id", netID), zap.Error(err))
				event.Emit(c.bus, event.GhostDecodeFailed{NetID: netID, Tick: p.ServerTick, Reason: err.Error()})
			}
			continue
		}
		res.Applied++
	}
	if complete {
		c.ack.Received(p.ServerTick)
	}
	return res, nil
}

func (c *Client) resolve(netID uint32, spawn *spawnRecord, t tick.Tick, res *ReceiveResult) (ecs.EntityID, bool) {
	if id, ok := c.ghosts.ByNetID(netID); ok {
		return id, !c.ghosts.World().PendingDestruction(id)
	}
	if spawn == nil {
		return 0, false
	}
	if c.rejected[spawn.Type] {
		return 0, false
	}
	if err := c.codec.Types().Verify(spawn.Type, spawn.Hash); err != nil {
		c.rejected[spawn.Type] = true
		var local uint64
		if l, ok := c.codec.Types().Layout(spawn.Type); ok {
			local = l.Hash
		}
		c.log.Warn("rejecting ghost type with mismatched schema",
			zap.Int("type", spawn.Type), zap.Uint64("local_hash", local), zap.Uint64("remote_hash", spawn.Hash), zap.Error(err))
		event.Emit(c.bus, event.SchemaRejected{Type: spawn.Type, Local: local, Remote: spawn.Hash})
		return 0, false
	}
	info := ghost.Info{
		NetID:     netID,
		Type:      spawn.Type,
		Owner:     spawn.Owner,
		Mode:      spawn.Mode,
		SpawnTick: spawn.SpawnTick,
		Predicted: spawn.Mode.PredictedBy(spawn.Owner == c.connID),
	}
	if c.claim != nil {
		if id, ok := c.claim(netID, info); ok {
			if err := c.history.Track(id, spawn.Type); err != nil {
				return 0, false
			}
			return id, true
		}
	}
	id, _, err := c.ghosts.Spawn(info)
	if err != nil {
		c.log.Debug("spawn failed", zap.Uint32("net_id", netID), zap.Error(err))
		return 0, false
	}
	if err := c.history.Track(id, spawn.Type); err != nil {
		c.ghosts.Despawn(id)
		return 0, false
	}
	res.Spawned = append(res.Spawned, id)
	event.Emit(c.bus, event.GhostSpawned{Entity: id, NetID: netID, Type: spawn.Type, Predicted: info.Predicted})
	return id, true
}

func (c *Client) decodeInto(id ecs.EntityID, netID uint32, t tick.Tick, r *packet.Reader) error {
	info, ok := c.ghosts.Info(id)
	if !ok {
		return protocolErr(netID, "ghost vanished")
	}
	l, _ := c.codec.Types().Layout(info.Type)
	ticks, n := readBaselineTicks(r, t)
	if r.Failed() {
		return protocolErr(netID, "truncated baseline list")
	}
	var base Baselines
	for i := 0; i < n; i++ {
		v, ok := c.history.ReadAtTick(id, ticks[i])
		if !ok {
			return protocolErr(netID, "unknown baseline %s", ticks[i])
		}
		base.Add(ticks[i], v)
	}
	sc := c.scratch[info.Type]
	slot := snapshot.NewSlot(l, sc.fixed, sc.dyn)
	if err := c.codec.Decode(netID, t, r, &base, &slot); err != nil {
		return err
	}
	return c.history.Write(id, t, snapshot.Snapshot{Fixed: sc.fixed, Dynamic: sc.dyn[:slot.Used()]})
}

// ApplyInterpolated blends every non-predicted ghost to target+fraction.
func (c *Client) ApplyInterpolated(target tick.Tick, fraction float32) int {
	if !target.IsValid() {
		return 0
	}
	n := 0
	c.ghosts.Each(func(id ecs.EntityID, info *ghost.Info, st *ghost.State) {
		if info.Predicted || info.PendingSpawn {
			return
		}
		d, ok := c.history.ViewAt(id, target, fraction)
		if !ok {
			return
		}
		d.Blend(st)
		n++
	})
	return n
}
