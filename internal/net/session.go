package net

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/ghostnet/internal/net/packet"
	"go.uber.org/zap"
)

// SessionOptions tunes queues and timeouts.
type SessionOptions struct {
	InQueue      int
	OutQueue     int
	PktPerSec    int           // 0 = unlimited
	ReadTimeout  time.Duration // 0 = none
	WriteTimeout time.Duration
}

// Session represents a single client connection. Network I/O runs in
// dedicated goroutines; replication state is accessed only from the
// simulation loop.
type Session struct {
	ID   uint64
	conn FrameConn

	state atomic.Int32 // packet.SessionState stored as int32

	InQueue  chan []byte // simulation loop reads datagrams from here
	OutQueue chan []byte // writer goroutine reads from here

	IP string

	outBuf [][]byte // buffered datagrams, flushed once per tick (loop only)

	opts      SessionOptions
	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	onClose   func(uint64)

	// Per-second packet rate limiter (readLoop goroutine only, no lock needed)
	pktCount   int
	pktResetAt int64

	sent, received atomic.Uint64

	log *zap.Logger
}

func NewSession(conn FrameConn, id uint64, opts SessionOptions, log *zap.Logger) *Session {
	if opts.InQueue <= 0 {
		opts.InQueue = 128
	}
	if opts.OutQueue <= 0 {
		opts.OutQueue = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	s := &Session{
		ID:       id,
		conn:     conn,
		InQueue:  make(chan []byte, opts.InQueue),
		OutQueue: make(chan []byte, opts.OutQueue),
		IP:       conn.RemoteAddr(),
		opts:     opts,
		closeCh:  make(chan struct{}),
		log:      log.With(zap.Uint64("session", id)),
	}
	s.state.Store(int32(packet.StateConnecting))
	return s
}

func (s *Session) State() packet.SessionState {
	return packet.SessionState(s.state.Load())
}

func (s *Session) SetState(st packet.SessionState) {
	s.state.Store(int32(st))
}

// Start launches the reader and writer goroutines. onClose, when set, runs
// once after the connection closes.
func (s *Session) Start(onClose func(uint64)) {
	s.onClose = onClose
	go s.readLoop()
	go s.writeLoop()
}

// Send buffers a datagram. It is not written until FlushOutput runs.
// Called only from the simulation loop goroutine.
func (s *Session) Send(data []byte) {
	if s.closed.Load() {
		return
	}
	s.outBuf = append(s.outBuf, data)
}

// FlushOutput drains the output buffer to OutQueue for the writeLoop goroutine.
// Non-blocking: if OutQueue is full, the session is disconnected (backpressure).
func (s *Session) FlushOutput() {
	for _, data := range s.outBuf {
		select {
		case s.OutQueue <- data:
		default:
			s.log.Warn("output queue full, dropping slow connection")
			s.Close()
			s.outBuf = s.outBuf[:0]
			return
		}
	}
	s.outBuf = s.outBuf[:0]
}

// Drain dispatches up to max queued datagrams through reg and returns how
// many it handled. Dispatch errors are logged, not returned.
func (s *Session) Drain(reg *packet.Registry, max int) int {
	n := 0
	for n < max {
		select {
		case data := <-s.InQueue:
			n++
			if err := reg.Dispatch(s, s.State(), data); err != nil {
				s.log.Debug("dispatch error", zap.Error(err))
			}
		default:
			return n
		}
	}
	return n
}

// Close gracefully shuts down the session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.SetState(packet.StateDisconnecting)
		close(s.closeCh)
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s.ID)
		}
	})
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Stats returns datagrams sent and received.
func (s *Session) Stats() (sent, received uint64) {
	return s.sent.Load(), s.received.Load()
}

// readLoop runs in its own goroutine. It reads frames and pushes them onto
// InQueue for the simulation loop to consume.
func (s *Session) readLoop() {
	defer s.Close()

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		if s.opts.ReadTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}
		payload, err := s.conn.ReadFrame()
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("read error", zap.Error(err))
			}
			return
		}
		s.received.Add(1)

		if s.opts.PktPerSec > 0 {
			now := time.Now().Unix()
			if now != s.pktResetAt {
				s.pktCount = 0
				s.pktResetAt = now
			}
			s.pktCount++
			if s.pktCount > s.opts.PktPerSec {
				s.log.Warn("packet rate exceeded, disconnecting", zap.Int("pps", s.pktCount))
				return
			}
		}

		// Acks are cumulative, so dropping one under pressure is harmless.
		select {
		case s.InQueue <- payload:
		case <-s.closeCh:
			return
		default:
			s.log.Debug("input queue full, dropping datagram")
		}
	}
}

// writeLoop runs in its own goroutine. It reads datagrams from OutQueue and
// writes them as frames.
func (s *Session) writeLoop() {
	defer s.Close()

	for {
		select {
		case data := <-s.OutQueue:
			if err := s.conn.WriteFrame(data, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				if !s.closed.Load() {
					s.log.Debug("write error", zap.Error(err))
				}
				return
			}
			s.sent.Add(1)
		case <-s.closeCh:
			return
		}
	}
}
