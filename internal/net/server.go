package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSPath is the websocket endpoint.
const WSPath = "/ghostnet"

// Server accepts TCP and websocket connections and creates Sessions.
// New/dead sessions are communicated to the simulation loop via channels.
type Server struct {
	listener net.Listener
	http     *http.Server
	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	newConns chan *Session
	deadCh   chan uint64 // session IDs of dead sessions
	opts     SessionOptions
	log      *zap.Logger
	closeCh  chan struct{}
}

func NewServer(bindAddr string, opts SessionOptions, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ln,
		newConns: make(chan *Session, 64),
		deadCh:   make(chan uint64, 64),
		opts:     opts,
		log:      log,
		closeCh:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	return s, nil
}

// AcceptLoop runs in its own goroutine. It accepts connections, creates
// sessions and pushes them onto the newConns channel.
func (s *Server) AcceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}
		s.admit(NewTCPConn(conn), "tcp")
	}
}

// ListenWS serves the websocket endpoint on addr in its own goroutine.
func (s *Server) ListenWS(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen ws: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, s.HandleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ws server stopped", zap.Error(err))
		}
	}()
	return ln.Addr(), nil
}

// HandleWS upgrades an HTTP request to a websocket session.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	s.admit(NewWSConn(conn), "ws")
}

func (s *Server) admit(fc FrameConn, transport string) {
	id := s.nextID.Add(1)
	sess := NewSession(fc, id, s.opts, s.log)
	sess.Start(s.NotifyDead)

	s.log.Info("client connected", zap.Uint64("session", id), zap.String("ip", sess.IP), zap.String("transport", transport))

	select {
	case s.newConns <- sess:
	default:
		s.log.Warn("connection queue full, rejecting")
		sess.Close()
	}
}

// NewSessions returns the channel of newly connected sessions.
func (s *Server) NewSessions() <-chan *Session {
	return s.newConns
}

// NotifyDead reports a dead session ID to the simulation loop.
func (s *Server) NotifyDead(sessionID uint64) {
	select {
	case s.deadCh <- sessionID:
	default:
	}
}

// DeadSessions returns the channel of dead session IDs.
func (s *Server) DeadSessions() <-chan uint64 {
	return s.deadCh
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown() {
	close(s.closeCh)
	s.listener.Close()
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.http.Shutdown(ctx)
	}
}

// Addr returns the TCP listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
