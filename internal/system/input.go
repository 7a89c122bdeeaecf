package system

import (
	"time"

	coresys "github.com/l1jgo/ghostnet/internal/core/system"
	"github.com/l1jgo/ghostnet/internal/net"
	"github.com/l1jgo/ghostnet/internal/net/packet"
	"go.uber.org/zap"
)

// Connections is the replication side of a session's life.
type Connections interface {
	AddConnection(conn int32, avatar string) error
	RemoveConnection(conn int32)
	Deliver(conn int32, data []byte) error
}

// InputSystem admits new sessions, retires dead ones and drains every
// session's datagrams through the packet registry.
type InputSystem struct {
	netServer  *net.Server
	registry   *packet.Registry
	store      *net.SessionStore
	conns      Connections
	avatar     string
	maxPerTick int
	log        *zap.Logger
}

func NewInputSystem(netServer *net.Server, store *net.SessionStore, conns Connections, avatar string, maxPerTick int, log *zap.Logger) *InputSystem {
	s := &InputSystem{
		netServer:  netServer,
		registry:   packet.NewRegistry(log),
		store:      store,
		conns:      conns,
		avatar:     avatar,
		maxPerTick: maxPerTick,
		log:        log,
	}
	s.registry.Register(packet.KindAck, []packet.SessionState{packet.StateInGame}, s.handleAck)
	return s
}

func (s *InputSystem) Phase() coresys.Phase { return coresys.PhaseReceive }

// Registry exposes the dispatch table for extra datagram kinds.
func (s *InputSystem) Registry() *packet.Registry { return s.registry }

func (s *InputSystem) Update(_ time.Duration) {
	for {
		select {
		case sess := <-s.netServer.NewSessions():
			s.admit(sess)
			continue
		default:
		}
		break
	}
	for {
		select {
		case id := <-s.netServer.DeadSessions():
			s.retire(id)
			continue
		default:
		}
		break
	}

	s.store.ForEach(func(sess *net.Session) {
		if sess.IsClosed() {
			// Closed sessions are retired once the dead notice arrives.
			return
		}
		sess.Drain(s.registry, s.maxPerTick)
	})
}

func (s *InputSystem) admit(sess *net.Session) {
	conn := int32(sess.ID)
	s.store.Add(sess)
	if err := s.conns.AddConnection(conn, s.avatar); err != nil {
		s.log.Warn("rejecting session", zap.Uint64("session", sess.ID), zap.Error(err))
		sess.Close()
		return
	}
	sess.SetState(packet.StateInGame)
	s.log.Info("session in game", zap.Uint64("session", sess.ID), zap.String("ip", sess.IP))
}

func (s *InputSystem) retire(id uint64) {
	if _, ok := s.store.Get(id); !ok {
		return
	}
	s.store.Remove(id)
	s.conns.RemoveConnection(int32(id))
}

func (s *InputSystem) handleAck(conn any, data []byte) error {
	sess := conn.(*net.Session)
	return s.conns.Deliver(int32(sess.ID), data)
}
