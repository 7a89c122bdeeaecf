package replication

import (
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/net/packet"
	"github.com/l1jgo/ghostnet/internal/schema"
	"github.com/l1jgo/ghostnet/internal/tick"
)

// spawnRecord announces a ghost until the connection acknowledges a packet
// that carried it.
type spawnRecord struct {
	Type      int
	Hash      uint64
	Owner     int32
	Mode      schema.GhostMode
	SpawnTick tick.Tick
}

// Each ghost in the body is framed as:
//
//	packed net id | spawn bit [spawn record] | packed payload bits | payload
//
// The payload starts with the baseline distances followed by the codec
// output. Framing lets a reader skip a ghost it cannot decode.
func writeGhostHeader(w *packet.Writer, netID uint32, spawn *spawnRecord, payloadBits int) {
	w.WritePackedUInt(netID)
	w.WriteBool(spawn != nil)
	if spawn != nil {
		w.WritePackedUInt(uint32(spawn.Type))
		w.WriteUInt64(spawn.Hash)
		w.WritePackedUInt(uint32(spawn.Owner + 1))
		w.WriteBits(uint32(spawn.Mode), 2)
		w.WriteUInt32(spawn.SpawnTick.Serialize())
	}
	w.WritePackedUInt(uint32(payloadBits))
}

func readGhostHeader(r *packet.Reader) (netID uint32, spawn *spawnRecord, payloadBits int) {
	netID = r.ReadPackedUInt()
	if r.ReadBool() {
		spawn = &spawnRecord{
			Type:      int(r.ReadPackedUInt()),
			Hash:      r.ReadUInt64(),
			Owner:     int32(r.ReadPackedUInt()) - 1,
			Mode:      schema.GhostMode(r.ReadBits(2)),
			SpawnTick: tick.Deserialize(r.ReadUInt32()),
		}
	}
	payloadBits = int(r.ReadPackedUInt())
	return
}

// validate rejects spawn records no server writes.
func (s *spawnRecord) validate(netID uint32) error {
	if !s.SpawnTick.IsValid() {
		return protocolErr(netID, "spawn record without a valid spawn tick")
	}
	if s.Mode > schema.ModeOwnerPredicted {
		return protocolErr(netID, "spawn record with unknown ghost mode %d", s.Mode)
	}
	if s.Owner < ghost.NoOwner {
		return protocolErr(netID, "spawn record with owner %d", s.Owner)
	}
	return nil
}

// writeBaselineTicks writes distances target-b0, b0-b1, b1-b2; zero ends the
// list.
func writeBaselineTicks(w *packet.Writer, target tick.Tick, base *Baselines) {
	prev := target
	for i := 0; i < base.N; i++ {
		w.WritePackedUInt(uint32(prev.TicksSince(base.Ticks[i])))
		prev = base.Ticks[i]
	}
	if base.N < MaxBaselines {
		w.WritePackedUInt(0)
	}
}

func readBaselineTicks(r *packet.Reader, target tick.Tick) (ticks [MaxBaselines]tick.Tick, n int) {
	prev := target
	for n < MaxBaselines {
		d := r.ReadPackedUInt()
		if d == 0 || r.Failed() {
			return
		}
		prev = prev.Subtract(d)
		ticks[n] = prev
		n++
	}
	return
}

// encodeGhost writes a full ghost payload.
func (c *Codec) encodeGhost(target tick.Tick, st *ghost.State, base *Baselines, filter Filter, w *packet.Writer) int {
	writeBaselineTicks(w, target, base)
	return c.Encode(target, st, base, filter, w)
}
