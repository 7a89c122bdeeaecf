package replication

import (
	"errors"
	"fmt"
)

// ErrProtocol is the sentinel wrapped by ProtocolError.
var ErrProtocol = errors.New("replication protocol error")

// ProtocolError describes malformed input for one ghost or one packet. The
// offending ghost is skipped; other ghosts in the packet still apply.
type ProtocolError struct {
	NetID  uint32
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.NetID == 0 {
		return fmt.Sprintf("protocol: %s", e.Reason)
	}
	return fmt.Sprintf("protocol: ghost %d: %s", e.NetID, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

func protocolErr(netID uint32, format string, args ...any) error {
	return &ProtocolError{NetID: netID, Reason: fmt.Sprintf(format, args...)}
}
