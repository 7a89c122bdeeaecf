package replay

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/l1jgo/ghostnet/internal/core/event"
	"github.com/l1jgo/ghostnet/internal/tick"
)

func fixedClock() func() time.Time {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
}

func TestRoundTrip(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "match", 60, 0xabcdef, fixedClock())
	if err != nil {
		t.Fatal(err)
	}
	payloads := [][]byte{{1, 2, 3}, {}, bytes.Repeat([]byte{9}, 5000)}
	for i, p := range payloads {
		dir := ToClient
		if i == 1 {
			dir = ToServer
		}
		if err := w.AppendFrame(tick.New(uint32(100+i)), int32(i), dir, p); err != nil {
			t.Fatal(err)
		}
	}
	rb := event.LargeRollback{Connection: 2, Old: tick.New(120), New: tick.New(110), Delta: -10}
	if err := w.AppendEvent(tick.New(110), "large_rollback", rb); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendFrame(tick.New(1), 0, ToClient, nil); err == nil {
		t.Fatal("append after close succeeded")
	}

	r, err := Open(w.Dir())
	if err != nil {
		t.Fatal(err)
	}
	m := r.Manifest()
	if m.Frames != 3 || m.Events != 1 || !m.Closed || m.SchemaHash != 0xabcdef || m.TickRate != 60 {
		t.Fatalf("manifest = %+v", m)
	}

	var got []Frame
	err = r.Frames(func(f Frame) error {
		f.Payload = append([]byte(nil), f.Payload...)
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(payloads) {
		t.Fatalf("frames = %d", len(got))
	}
	for i, f := range got {
		if !f.Tick.Equal(tick.New(uint32(100+i))) || f.Connection != int32(i) || !bytes.Equal(f.Payload, payloads[i]) {
			t.Fatalf("frame %d = tick %s conn %d len %d", i, f.Tick, f.Connection, len(f.Payload))
		}
	}
	if got[1].Dir != ToServer || got[0].Dir != ToClient {
		t.Fatal("directions lost")
	}

	var events []Event
	if err := r.Events(func(e Event) error { events = append(events, e); return nil }); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != "large_rollback" || events[0].Tick != 110 {
		t.Fatalf("events = %+v", events)
	}
	var back struct{ Delta int32 }
	if err := json.Unmarshal(events[0].Payload, &back); err != nil || back.Delta != -10 {
		t.Fatalf("payload = %s (%v)", events[0].Payload, err)
	}
}

func TestCallbackErrorStopsIteration(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "", 30, 0, fixedClock())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := w.AppendFrame(tick.New(uint32(i)), 0, ToClient, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := Open(w.Dir())
	if err != nil {
		t.Fatal(err)
	}
	stop := errors.New("stop")
	n := 0
	err = r.Frames(func(Frame) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || n != 2 {
		t.Fatalf("err=%v n=%d", err, n)
	}
}

func TestTruncatedFramesAreCorrupt(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "cut", 60, 0, fixedClock())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendFrame(tick.New(7), 1, ToClient, bytes.Repeat([]byte{1}, 64)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	// Replace the frame stream with a header that promises more than follows.
	var h [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(h[17:21], 64)
	f, err := os.Create(filepath.Join(w.Dir(), FramesName))
	if err != nil {
		t.Fatal(err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	enc.Write(h[:])
	enc.Write([]byte{1, 2, 3})
	enc.Close()
	f.Close()

	r, err := Open(w.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Frames(func(Frame) error { return nil }); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestOpenRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte(`{"version":99}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir); err == nil {
		t.Fatal("opened unknown version")
	}
}
