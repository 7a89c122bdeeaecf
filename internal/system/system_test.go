package system

import (
	"bytes"
	"context"
	"errors"
	stdnet "net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/core/event"
	coresys "github.com/l1jgo/ghostnet/internal/core/system"
	"github.com/l1jgo/ghostnet/internal/net"
	"github.com/l1jgo/ghostnet/internal/net/packet"
	"github.com/l1jgo/ghostnet/internal/persist"
	"github.com/l1jgo/ghostnet/internal/replication"
	"github.com/l1jgo/ghostnet/internal/tick"
	"go.uber.org/zap"
)

func TestEventDispatchDeliversPreviousStep(t *testing.T) {
	bus := event.NewBus()
	var got []uint32
	event.Subscribe(bus, func(e event.GhostDespawned) { got = append(got, e.NetID) })

	r := coresys.NewRunner()
	r.Register(NewEventDispatchSystem(bus))
	r.Register(coresys.Func{P: coresys.PhaseSimulate, Fn: func(time.Duration) {
		event.Emit(bus, event.GhostDespawned{NetID: uint32(len(got) + 1)})
	}})

	r.Tick(time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("delivered during the emitting step: %v", got)
	}
	r.Tick(time.Millisecond)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got %v, want [1]", got)
	}
}

func TestCleanupCountsDestroyed(t *testing.T) {
	w := ecs.NewWorld()
	a, b := w.CreateEntity(), w.CreateEntity()
	w.MarkForDestruction(a)
	w.MarkForDestruction(b)
	s := NewCleanupSystem(w)
	if s.Phase() != coresys.PhaseCleanup {
		t.Fatalf("phase %s", s.Phase())
	}
	s.Update(0)
	if s.Destroyed() != 2 || w.Alive(a) || w.Alive(b) {
		t.Fatalf("destroyed %d", s.Destroyed())
	}
}

type fakeConns struct {
	mu        sync.Mutex
	added     []int32
	removed   []int32
	delivered map[int32][][]byte
	reject    bool
}

func (f *fakeConns) AddConnection(conn int32, avatar string) error {
	if f.reject {
		return errors.New("full")
	}
	f.added = append(f.added, conn)
	return nil
}

func (f *fakeConns) RemoveConnection(conn int32) { f.removed = append(f.removed, conn) }

func (f *fakeConns) Deliver(conn int32, data []byte) error {
	if f.delivered == nil {
		f.delivered = make(map[int32][][]byte)
	}
	f.delivered[conn] = append(f.delivered[conn], data)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool, step func()) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		step()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInputAndOutputLifecycle(t *testing.T) {
	srv, err := net.NewServer("127.0.0.1:0", net.SessionOptions{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()
	go srv.AcceptLoop()

	store := net.NewSessionStore()
	conns := &fakeConns{}
	in := NewInputSystem(srv, store, conns, "Player", 16, zap.NewNop())
	out := NewOutputSystem(store)

	c, err := stdnet.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	waitFor(t, "session admitted", func() bool { return len(conns.added) == 1 }, func() { in.Update(0) })
	conn := conns.added[0]
	sess, ok := store.Get(uint64(conn))
	if !ok || sess.State() != packet.StateInGame {
		t.Fatal("session not in game")
	}

	ack := []byte{byte(packet.KindAck), 1, 2, 3}
	if err := net.WriteFrame(c, ack); err != nil {
		t.Fatal(err)
	}
	// Snapshot datagrams from a client are not routed.
	if err := net.WriteFrame(c, []byte{byte(packet.KindSnapshot), 9}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ack delivered", func() bool { return len(conns.delivered[conn]) == 1 }, func() { in.Update(0) })
	if !bytes.Equal(conns.delivered[conn][0], ack) {
		t.Fatalf("delivered %v", conns.delivered[conn][0])
	}

	store.Send(conn, []byte{byte(packet.KindSnapshot), 7})
	out.Update(0)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := net.ReadFrame(c)
	if err != nil || !bytes.Equal(got, []byte{byte(packet.KindSnapshot), 7}) {
		t.Fatalf("client read %v, %v", got, err)
	}

	c.Close()
	waitFor(t, "session retired", func() bool { return len(conns.removed) == 1 }, func() { in.Update(0) })
	if conns.removed[0] != conn || store.Len() != 0 {
		t.Fatalf("removed %v, store %d", conns.removed, store.Len())
	}
}

func TestInputRejectsSessionWhenConnectionFails(t *testing.T) {
	srv, err := net.NewServer("127.0.0.1:0", net.SessionOptions{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()
	go srv.AcceptLoop()

	store := net.NewSessionStore()
	conns := &fakeConns{reject: true}
	in := NewInputSystem(srv, store, conns, "Player", 16, zap.NewNop())

	c, err := stdnet.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	waitFor(t, "rejected session retired", func() bool { return store.Len() == 0 && len(conns.removed) == 1 }, func() { in.Update(0) })
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := net.ReadFrame(c); err == nil {
		t.Fatal("rejected connection still open")
	}
}

type fakeSink struct {
	batches []persist.Batch
	err     error
}

func (f *fakeSink) WriteBatch(_ context.Context, session int64, b *persist.Batch) error {
	if f.err != nil {
		return f.err
	}
	cp := persist.Batch{
		Rollbacks:      append([]persist.RollbackRow(nil), b.Rollbacks...),
		DecodeFailures: append([]persist.DecodeFailureRow(nil), b.DecodeFailures...),
		NetStats:       append([]persist.NetStatsRow(nil), b.NetStats...),
	}
	f.batches = append(f.batches, cp)
	return nil
}

type fakeRecorder struct{ types []string }

func (f *fakeRecorder) AppendEvent(_ tick.Tick, typ string, _ any) error {
	f.types = append(f.types, typ)
	return nil
}

func TestDiagnosticsBatchesAndFlushes(t *testing.T) {
	bus := event.NewBus()
	sink := &fakeSink{}
	rec := &fakeRecorder{}
	d := NewDiagnosticsSystem(bus, sink, 7, rec, func() tick.Tick { return tick.New(100) }, 3, zap.NewNop())

	event.Emit(bus, event.LargeRollback{Connection: 1, Old: tick.New(90), New: tick.New(70), Delta: -20})
	event.Emit(bus, event.GhostDecodeFailed{NetID: 4, Tick: tick.New(99), Reason: "bad"})
	event.Emit(bus, event.Misprediction{NetID: 4, Tick: tick.New(98), Resimmed: 3, Connection: 1})
	event.Emit(bus, event.SchemaRejected{Type: 2, Local: 1, Remote: 2})
	bus.SwapBuffers()
	bus.DispatchAll()
	d.AddNetStats(1, replication.PacketStats{Tick: tick.New(100), Bytes: 300, Ghosts: 5, Deferred: 1}, 40*time.Millisecond)
	d.AddNetStats(1, replication.PacketStats{}, 0)

	if d.Pending() != 3 {
		t.Fatalf("pending %d, want 3", d.Pending())
	}
	d.Update(0)
	d.Update(0)
	if len(sink.batches) != 0 {
		t.Fatal("flushed before interval")
	}
	d.Update(0)
	if len(sink.batches) != 1 || d.Pending() != 0 {
		t.Fatalf("batches %d pending %d", len(sink.batches), d.Pending())
	}
	b := sink.batches[0]
	if len(b.Rollbacks) != 1 || b.Rollbacks[0].Delta != -20 || b.Rollbacks[0].NewTick != 70 {
		t.Fatalf("rollbacks %+v", b.Rollbacks)
	}
	if len(b.NetStats) != 1 || b.NetStats[0].RTTMillis != 40 || b.NetStats[0].Bytes != 300 {
		t.Fatalf("net stats %+v", b.NetStats)
	}
	tot := d.Totals()
	if tot.Rollbacks != 1 || tot.DecodeFailures != 1 || tot.Mispredictions != 1 || tot.SchemaRejects != 1 || tot.Flushes != 1 {
		t.Fatalf("totals %+v", tot)
	}
	// Dispatch order across event types is unspecified.
	want := []string{"decode_failed", "large_rollback", "misprediction", "schema_rejected"}
	sort.Strings(rec.types)
	if len(rec.types) != len(want) {
		t.Fatalf("recorded %v", rec.types)
	}
	for i := range want {
		if rec.types[i] != want[i] {
			t.Fatalf("recorded %v, want %v", rec.types, want)
		}
	}
}

func TestDiagnosticsKeepsRowsOnSinkError(t *testing.T) {
	bus := event.NewBus()
	sink := &fakeSink{err: errors.New("db down")}
	d := NewDiagnosticsSystem(bus, sink, 1, nil, func() tick.Tick { return tick.New(1) }, 1, zap.NewNop())
	d.AddNetStats(2, replication.PacketStats{Tick: tick.New(1), Bytes: 10}, 0)

	if err := d.Flush(context.Background()); err == nil {
		t.Fatal("expected sink error")
	}
	if d.Pending() != 1 || d.Totals().FlushErrors != 1 {
		t.Fatalf("pending %d errors %d", d.Pending(), d.Totals().FlushErrors)
	}
	sink.err = nil
	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.Pending() != 0 || len(sink.batches) != 1 {
		t.Fatal("rows not flushed after recovery")
	}
}

func TestDiagnosticsWithoutSinkDiscards(t *testing.T) {
	d := NewDiagnosticsSystem(event.NewBus(), nil, 0, nil, func() tick.Tick { return tick.New(1) }, 1, zap.NewNop())
	d.AddNetStats(2, replication.PacketStats{Tick: tick.New(1)}, 0)
	d.Update(0)
	if d.Pending() != 0 {
		t.Fatalf("pending %d", d.Pending())
	}
}
