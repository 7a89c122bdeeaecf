package system

import (
	"time"

	coresys "github.com/l1jgo/ghostnet/internal/core/system"
	"github.com/l1jgo/ghostnet/internal/net"
)

// OutputSystem hands every session's buffered datagrams to its writer
// goroutine. It runs after packets were built in the send phase.
type OutputSystem struct {
	store *net.SessionStore
}

func NewOutputSystem(store *net.SessionStore) *OutputSystem {
	return &OutputSystem{store: store}
}

// Runs at diagnostics so every send-phase system has buffered its packets.
func (s *OutputSystem) Phase() coresys.Phase { return coresys.PhaseDiagnostics }

func (s *OutputSystem) Update(_ time.Duration) {
	s.store.ForEach(func(sess *net.Session) {
		if !sess.IsClosed() {
			sess.FlushOutput()
		}
	})
}
