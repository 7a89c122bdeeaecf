package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize = 2
	// MaxFrame is the largest datagram a stream frame can carry.
	MaxFrame = 1<<16 - 1 - headerSize
)

// ErrFrameSize is wrapped by every frame length violation.
var ErrFrameSize = errors.New("frame size out of range")

// Stream framing: a little-endian uint16 holding header plus payload length,
// then one replication datagram. Empty datagrams are never framed.

// ReadFrame reads one datagram from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := int(binary.LittleEndian.Uint16(hdr[:])) - headerSize
	if n <= 0 {
		return nil, fmt.Errorf("%w: header says %d", ErrFrameSize, n+headerSize)
	}
	datagram := make([]byte, n)
	if _, err := io.ReadFull(r, datagram); err != nil {
		return nil, fmt.Errorf("read %d byte datagram: %w", n, err)
	}
	return datagram, nil
}

// WriteFrame frames one datagram onto w with a single Write.
func WriteFrame(w io.Writer, datagram []byte) error {
	if len(datagram) == 0 || len(datagram) > MaxFrame {
		return fmt.Errorf("%w: %d byte datagram", ErrFrameSize, len(datagram))
	}
	buf := binary.LittleEndian.AppendUint16(make([]byte, 0, headerSize+len(datagram)), uint16(headerSize+len(datagram)))
	if _, err := w.Write(append(buf, datagram...)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
