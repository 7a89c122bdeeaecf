// Package replay records snapshot and ack packets plus netcode events to a
// directory so a session can be inspected or re-fed to a client offline.
//
// Layout of a bundle:
//
//	manifest.json    counts and stream names
//	events.jsonl.sz  snappy-framed JSON lines
//	frames.bin.zst   zstd stream of length-prefixed packets
package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/l1jgo/ghostnet/internal/tick"
)

const (
	ManifestName = "manifest.json"
	EventsName   = "events.jsonl.sz"
	FramesName   = "frames.bin.zst"

	manifestVersion = 1
	frameHeaderSize = 4 + 4 + 1 + 8 + 4
)

// Direction tells which way a recorded packet travelled.
type Direction uint8

const (
	ToClient Direction = iota
	ToServer
)

func (d Direction) String() string {
	if d == ToServer {
		return "to_server"
	}
	return "to_client"
}

// Manifest describes a bundle.
type Manifest struct {
	Version    int    `json:"version" yaml:"version"`
	Name       string `json:"name" yaml:"name"`
	CreatedAt  string `json:"created_at" yaml:"created_at"`
	TickRate   int    `json:"tick_rate" yaml:"tick_rate"`
	SchemaHash uint64 `json:"schema_hash" yaml:"schema_hash"`
	EventsPath string `json:"events_path" yaml:"events_path"`
	FramesPath string `json:"frames_path" yaml:"frames_path"`
	Frames     int    `json:"frames" yaml:"frames"`
	Events     int    `json:"events" yaml:"events"`
	Closed     bool   `json:"closed" yaml:"closed"`
}

// Frame is one recorded packet.
type Frame struct {
	Tick       tick.Tick
	Connection int32
	Dir        Direction
	CapturedAt time.Time
	Payload    []byte
}

// Event is one recorded netcode event.
type Event struct {
	Tick       uint32          `json:"tick"`
	CapturedAt string          `json:"captured_at"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// Writer streams a bundle to disk. Safe for concurrent use.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	manifest    Manifest
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	header      [frameHeaderSize]byte
	closed      bool
}

// NewWriter creates dir/<name>-<timestamp> and opens the compressed sinks.
func NewWriter(root, name string, tickRate int, schemaHash uint64, clock func() time.Time) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if name == "" {
		name = "session"
	}
	created := clock().UTC()
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", name, created.Format("20060102T150405.000Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create replay dir: %w", err)
	}

	eventFile, err := os.Create(filepath.Join(dir, EventsName))
	if err != nil {
		return nil, fmt.Errorf("create events: %w", err)
	}
	frameFile, err := os.Create(filepath.Join(dir, FramesName))
	if err != nil {
		eventFile.Close()
		return nil, fmt.Errorf("create frames: %w", err)
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}

	w := &Writer{
		dir:         dir,
		now:         clock,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
		manifest: Manifest{
			Version:    manifestVersion,
			Name:       name,
			CreatedAt:  created.Format(time.RFC3339Nano),
			TickRate:   tickRate,
			SchemaHash: schemaHash,
			EventsPath: EventsName,
			FramesPath: FramesName,
		},
	}
	if err := w.writeManifest(); err != nil {
		w.closeStreams()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Dir() string { return w.dir }

// AppendFrame records one packet. The payload is copied into the stream
// before returning.
func (w *Writer) AppendFrame(t tick.Tick, conn int32, dir Direction, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("replay writer closed")
	}
	h := w.header[:]
	binary.LittleEndian.PutUint32(h[0:4], t.Serialize())
	binary.LittleEndian.PutUint32(h[4:8], uint32(conn))
	h[8] = byte(dir)
	binary.LittleEndian.PutUint64(h[9:17], uint64(w.now().UnixNano()))
	binary.LittleEndian.PutUint32(h[17:21], uint32(len(payload)))
	if _, err := w.frameStream.Write(h); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.frameStream.Write(payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.manifest.Frames++
	return nil
}

// AppendEvent records v as one JSON line tagged with typ.
func (w *Writer) AppendEvent(t tick.Tick, typ string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", typ, err)
	}
	var tv uint32
	if t.IsValid() {
		tv = t.Value()
	}
	line, err := json.Marshal(Event{
		Tick:       tv,
		CapturedAt: w.now().UTC().Format(time.RFC3339Nano),
		Type:       typ,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event line: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("replay writer closed")
	}
	line = append(line, '\n')
	if _, err := w.eventStream.Write(line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.manifest.Events++
	return nil
}

// Flush pushes buffered data to the files.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.eventStream.Flush(); err != nil {
		return fmt.Errorf("flush events: %w", err)
	}
	if err := w.frameStream.Flush(); err != nil {
		return fmt.Errorf("flush frames: %w", err)
	}
	return nil
}

// Close flushes everything, finalises the manifest and releases the files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	firstErr := w.closeStreams()
	w.manifest.Closed = true
	if err := w.writeManifest(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Manifest returns the current manifest counters.
func (w *Writer) Manifest() Manifest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.manifest
}

func (w *Writer) closeStreams() error {
	var firstErr error
	for _, fn := range []func() error{
		w.eventStream.Close,
		w.eventFile.Close,
		w.frameStream.Close,
		w.frameFile.Close,
	} {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Writer) writeManifest() error {
	data, err := json.MarshalIndent(w.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, ManifestName), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
