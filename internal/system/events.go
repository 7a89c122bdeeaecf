package system

import (
	"time"

	"github.com/l1jgo/ghostnet/internal/core/event"
	coresys "github.com/l1jgo/ghostnet/internal/core/system"
)

// EventDispatchSystem makes last step's events visible and delivers them to
// subscribers before anything else runs.
type EventDispatchSystem struct {
	bus *event.Bus
}

func NewEventDispatchSystem(bus *event.Bus) *EventDispatchSystem {
	return &EventDispatchSystem{bus: bus}
}

func (s *EventDispatchSystem) Phase() coresys.Phase { return coresys.PhaseReceive }

func (s *EventDispatchSystem) Update(_ time.Duration) {
	s.bus.SwapBuffers()
	s.bus.DispatchAll()
}
