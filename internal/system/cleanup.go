package system

import (
	"time"

	"github.com/l1jgo/ghostnet/internal/core/ecs"
	coresys "github.com/l1jgo/ghostnet/internal/core/system"
)

// CleanupSystem flushes the deferred ghost destruction queue at step end, so
// despawns issued during the step stay readable until every phase ran.
type CleanupSystem struct {
	world     *ecs.World
	destroyed uint64
}

func NewCleanupSystem(world *ecs.World) *CleanupSystem {
	return &CleanupSystem{world: world}
}

func (s *CleanupSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

func (s *CleanupSystem) Update(_ time.Duration) {
	s.destroyed += uint64(s.world.FlushDestroyQueue())
}

// Destroyed returns how many entities were flushed so far.
func (s *CleanupSystem) Destroyed() uint64 { return s.destroyed }
