package net

import (
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// FrameConn moves whole datagrams over a stream or message transport.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// tcpConn frames datagrams with a 2-byte length prefix.
type tcpConn struct {
	conn net.Conn
}

func NewTCPConn(c net.Conn) FrameConn { return &tcpConn{conn: c} }

func (c *tcpConn) ReadFrame() ([]byte, error) { return ReadFrame(c.conn) }

func (c *tcpConn) WriteFrame(data []byte, deadline time.Time) error {
	c.conn.SetWriteDeadline(deadline)
	return WriteFrame(c.conn, data)
}

func (c *tcpConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *tcpConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }
func (c *tcpConn) Close() error                      { return c.conn.Close() }

// wsConn carries one datagram per binary websocket message.
type wsConn struct {
	conn *websocket.Conn
}

func NewWSConn(c *websocket.Conn) FrameConn {
	c.SetReadLimit(MaxFrame)
	return &wsConn{conn: c}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read ws message: %w", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("empty ws message")
		}
		return data, nil
	}
}

func (c *wsConn) WriteFrame(data []byte, deadline time.Time) error {
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write ws message: %w", err)
	}
	return nil
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
