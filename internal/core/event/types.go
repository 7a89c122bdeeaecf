package event

import (
	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/tick"
)

// LargeRollback fires when the predict target moved backwards by more than
// the configured threshold. Every predicted ghost is resimulated.
type LargeRollback struct {
	Connection int32
	Old        tick.Tick
	New        tick.Tick
	Delta      int32
}

// GhostDecodeFailed reports a ghost payload that was skipped.
type GhostDecodeFailed struct {
	NetID  uint32
	Tick   tick.Tick
	Reason string
}

// CapacityExceeded reports a snapshot whose dynamic buffers did not fit. The
// ghost is queued for destruction.
type CapacityExceeded struct {
	Entity ecs.EntityID
	NetID  uint32
	Need   int
	Cap    int
}

// GhostSpawned fires on both peers when a ghost enters the world.
type GhostSpawned struct {
	Entity    ecs.EntityID
	NetID     uint32
	Type      int
	Predicted bool
}

// GhostDespawned fires when a ghost is queued for destruction.
type GhostDespawned struct {
	Entity ecs.EntityID
	NetID  uint32
}

// SchemaRejected fires once per ghost type whose hash disagrees with the peer.
type SchemaRejected struct {
	Type   int
	Local  uint64
	Remote uint64
}

// Misprediction fires when a predicted ghost was corrected.
type Misprediction struct {
	NetID      uint32
	Tick       tick.Tick
	Resimmed   int
	Connection int32
}
