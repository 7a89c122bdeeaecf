package prediction

import (
	"fmt"

	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/tick"
	"go.uber.org/zap"
)

// Predicted spawns use net ids from the top half of the space until the
// server assigns a real one.
const tempNetIDBase uint32 = 1 << 31

type pendingSpawn struct {
	id        ecs.EntityID
	typeIndex int
	tick      tick.Tick
}

// SpawnPredicted creates a ghost locally ahead of the server, for example a
// projectile fired by the local player.
func (r *Reconciler) SpawnPredicted(typeIndex int, t tick.Tick) (ecs.EntityID, *ghost.State, error) {
	if !t.IsValid() {
		return 0, nil, fmt.Errorf("predicted spawn: %w", tick.ErrInvalidTickOperation)
	}
	r.nextTmp++
	id, st, err := r.ghosts.Spawn(ghost.Info{
		NetID:        tempNetIDBase | r.nextTmp,
		Type:         typeIndex,
		Owner:        r.conn,
		SpawnTick:    t,
		Predicted:    true,
		PendingSpawn: true,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("predicted spawn: %w", err)
	}
	r.spawns = append(r.spawns, &pendingSpawn{id: id, typeIndex: typeIndex, tick: t})
	return id, st, nil
}

// PendingSpawns returns the number of unconfirmed predicted spawns.
func (r *Reconciler) PendingSpawns() int { return len(r.spawns) }

// Claim matches a server spawn against the predicted spawns: same type, owned
// by this connection, spawn ticks within the match window. The oldest match
// wins. It has the replication.SpawnClaimer signature.
func (r *Reconciler) Claim(netID uint32, info ghost.Info) (ecs.EntityID, bool) {
	if info.Owner != r.conn || !info.SpawnTick.IsValid() {
		return 0, false
	}
	for i, s := range r.spawns {
		if s.typeIndex != info.Type {
			continue
		}
		d := info.SpawnTick.TicksSince(s.tick)
		if d < 0 {
			d = -d
		}
		if int(d) > r.cfg.SpawnMatchWindow {
			continue
		}
		if err := r.ghosts.Rebind(s.id, netID); err != nil {
			r.log.Debug("predicted spawn rebind failed", zap.Uint32("net_id", netID), zap.Error(err))
			return 0, false
		}
		local, _ := r.ghosts.Info(s.id)
		local.PendingSpawn = false
		local.SpawnTick = info.SpawnTick
		local.Predicted = info.Predicted
		local.Owner = info.Owner
		r.spawns = append(r.spawns[:i], r.spawns[i+1:]...)
		r.confirmedSpawns++
		return s.id, true
	}
	return 0, false
}

// expireSpawns destroys predicted spawns the server never confirmed.
func (r *Reconciler) expireSpawns(now tick.Tick) int {
	n := 0
	keep := r.spawns[:0]
	for _, s := range r.spawns {
		if now.TicksSince(s.tick) > int32(r.cfg.PredictedSpawnTimeout) {
			r.ghosts.Despawn(s.id)
			n++
			continue
		}
		keep = append(keep, s)
	}
	for i := len(keep); i < len(r.spawns); i++ {
		r.spawns[i] = nil
	}
	r.spawns = keep
	return n
}
