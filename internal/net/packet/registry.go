package packet

import (
	"fmt"

	"go.uber.org/zap"
)

// Kind is the first byte of every datagram.
type Kind byte

const (
	KindSnapshot Kind = 1 // server -> client ghost snapshot
	KindAck      Kind = 2 // client -> server snapshot ack + time echo
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "Snapshot"
	case KindAck:
		return "Ack"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(k))
	}
}

// SessionState represents the connection's replication phase.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateInGame                  // snapshots and acks flow
	StateDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateInGame:
		return "InGame"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// HandlerFunc receives the full datagram including the kind byte.
// The connection is passed as an opaque value to avoid import cycles.
type HandlerFunc func(conn any, data []byte) error

type handlerEntry struct {
	fn            HandlerFunc
	allowedStates map[SessionState]bool
}

// Registry maps datagram kinds to handlers with state-based access control.
type Registry struct {
	handlers map[Kind]*handlerEntry
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[Kind]*handlerEntry),
		log:      log,
	}
}

// Register maps a kind to a handler, restricted to the given session states.
func (reg *Registry) Register(kind Kind, states []SessionState, fn HandlerFunc) {
	allowed := make(map[SessionState]bool, len(states))
	for _, s := range states {
		allowed[s] = true
	}
	reg.handlers[kind] = &handlerEntry{
		fn:            fn,
		allowedStates: allowed,
	}
}

// Dispatch finds the handler for data[0], validates the session state and
// calls it. Unknown kinds are ignored.
func (reg *Registry) Dispatch(conn any, state SessionState, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty datagram")
	}
	kind := Kind(data[0])
	entry, ok := reg.handlers[kind]
	if !ok {
		reg.log.Debug("unknown datagram kind", zap.Uint8("kind", data[0]), zap.String("state", state.String()))
		return nil
	}
	if !entry.allowedStates[state] {
		reg.log.Warn("datagram kind not allowed in state",
			zap.Stringer("kind", kind),
			zap.String("state", state.String()),
		)
		return fmt.Errorf("kind %s not allowed in state %s", kind, state)
	}
	return reg.safeCall(entry.fn, conn, data, kind)
}

// safeCall executes a handler with panic recovery so a single bad datagram
// cannot stop the simulation loop.
func (reg *Registry) safeCall(fn HandlerFunc, conn any, data []byte, kind Kind) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reg.log.Error("handler panic recovered",
				zap.Stringer("kind", kind),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("handler panic for kind %s: %v", kind, rec)
		}
	}()
	return fn(conn, data)
}
