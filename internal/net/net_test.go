package net

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/l1jgo/ghostnet/internal/net/packet"
	"go.uber.org/zap"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range [][]byte{{1}, bytes.Repeat([]byte{7}, 1200)} {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []int{1, 1200} {
		got, err := ReadFrame(&buf)
		if err != nil || len(got) != want {
			t.Fatalf("frame len %d err %v, want %d", len(got), err, want)
		}
	}
	if err := WriteFrame(&buf, nil); err == nil {
		t.Fatal("empty frame accepted")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{1, 0})); err == nil {
		t.Fatal("short length accepted")
	}
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
		return nil
	}
}

func TestTCPSessionRoundTrip(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", SessionOptions{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()
	go srv.AcceptLoop()

	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var sess *Session
	select {
	case sess = <-srv.NewSessions():
	case <-time.After(2 * time.Second):
		t.Fatal("no session")
	}
	if err := WriteFrame(c, []byte{byte(packet.KindAck), 9}); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, sess.InQueue); !bytes.Equal(got, []byte{byte(packet.KindAck), 9}) {
		t.Fatalf("server got %v", got)
	}

	sess.Send([]byte{byte(packet.KindSnapshot), 1, 2})
	sess.FlushOutput()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := ReadFrame(c)
	if err != nil || !bytes.Equal(got, []byte{byte(packet.KindSnapshot), 1, 2}) {
		t.Fatalf("client got %v, %v", got, err)
	}

	c.Close()
	select {
	case id := <-srv.DeadSessions():
		if id != sess.ID {
			t.Fatalf("dead id %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}
}

func TestWebsocketSessionDispatch(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", SessionOptions{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()
	hs := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sess := <-srv.NewSessions()
	sess.SetState(packet.StateInGame)
	c.WriteMessage(websocket.TextMessage, []byte("ignored"))
	if err := c.WriteMessage(websocket.BinaryMessage, []byte{byte(packet.KindAck), 4}); err != nil {
		t.Fatal(err)
	}

	reg := packet.NewRegistry(zap.NewNop())
	var seen []byte
	reg.Register(packet.KindAck, []packet.SessionState{packet.StateInGame}, func(conn any, data []byte) error {
		if conn.(*Session) != sess {
			t.Error("handler got wrong session")
		}
		seen = data
		return nil
	})
	deadline := time.Now().Add(2 * time.Second)
	for seen == nil && time.Now().Before(deadline) {
		sess.Drain(reg, 8)
		time.Sleep(5 * time.Millisecond)
	}
	if !bytes.Equal(seen, []byte{byte(packet.KindAck), 4}) {
		t.Fatalf("dispatched %v", seen)
	}

	store := NewSessionStore()
	store.Add(sess)
	store.Send(int32(sess.ID), []byte{byte(packet.KindSnapshot), 5})
	store.ForEach(func(s *Session) { s.FlushOutput() })
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := c.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage || !bytes.Equal(msg, []byte{byte(packet.KindSnapshot), 5}) {
		t.Fatalf("client got %d %v %v", kind, msg, err)
	}
}

func TestLinkOrdersAndDrops(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewLink(50*time.Millisecond, 0, 0, 1)
	l.Send(now, []byte{1})
	l.Send(now.Add(10*time.Millisecond), []byte{2})
	if got := l.Receive(now.Add(49*time.Millisecond), nil); len(got) != 0 {
		t.Fatalf("early delivery %v", got)
	}
	got := l.Receive(now.Add(60*time.Millisecond), nil)
	if len(got) != 2 || got[0][0] != 1 || got[1][0] != 2 {
		t.Fatalf("delivered %v", got)
	}
	if l.Pending() != 0 || l.Delivered != 2 {
		t.Fatalf("pending %d delivered %d", l.Pending(), l.Delivered)
	}

	lossy := NewLink(0, 0, 100, 1)
	if lossy.Send(now, []byte{1}) || lossy.Dropped != 1 {
		t.Fatal("100% loss delivered")
	}

	jittery := NewLink(20*time.Millisecond, 10*time.Millisecond, 0, 7)
	for i := 0; i < 100; i++ {
		jittery.Send(now, []byte{byte(i)})
	}
	if got := jittery.Receive(now.Add(9*time.Millisecond), nil); len(got) != 0 {
		t.Fatal("delivered before latency minus jitter")
	}
	if got := jittery.Receive(now.Add(30*time.Millisecond), nil); len(got) != 100 {
		t.Fatalf("delivered %d of 100", len(got))
	}
}
