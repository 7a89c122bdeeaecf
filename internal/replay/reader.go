package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/l1jgo/ghostnet/internal/tick"
)

// maxFrameBytes bounds a single recorded packet.
const maxFrameBytes = 1 << 20

// ErrCorrupt reports a bundle whose streams do not parse.
var ErrCorrupt = errors.New("replay: corrupt bundle")

// Reader reads a bundle written by Writer.
type Reader struct {
	dir      string
	manifest Manifest
}

// Open loads the manifest of the bundle in dir.
func Open(dir string) (*Reader, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("replay version %d unsupported", m.Version)
	}
	return &Reader{dir: dir, manifest: m}, nil
}

func (r *Reader) Manifest() Manifest { return r.manifest }

// Frames calls fn for every recorded packet in order. The payload slice is
// only valid during the call.
func (r *Reader) Frames(fn func(Frame) error) error {
	f, err := os.Open(filepath.Join(r.dir, r.manifest.FramesPath))
	if err != nil {
		return fmt.Errorf("open frames: %w", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	var h [frameHeaderSize]byte
	var buf []byte
	for {
		if _, err := io.ReadFull(dec, h[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: frame header: %v", ErrCorrupt, err)
		}
		n := binary.LittleEndian.Uint32(h[17:21])
		if n > maxFrameBytes {
			return fmt.Errorf("%w: frame of %d bytes", ErrCorrupt, n)
		}
		if cap(buf) < int(n) {
			buf = make([]byte, n)
		}
		buf = buf[:n]
		if _, err := io.ReadFull(dec, buf); err != nil {
			return fmt.Errorf("%w: frame body: %v", ErrCorrupt, err)
		}
		frame := Frame{
			Tick:       tick.Deserialize(binary.LittleEndian.Uint32(h[0:4])),
			Connection: int32(binary.LittleEndian.Uint32(h[4:8])),
			Dir:        Direction(h[8]),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(h[9:17]))),
			Payload:    buf,
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}

// Events calls fn for every recorded event in order.
func (r *Reader) Events(fn func(Event) error) error {
	f, err := os.Open(filepath.Join(r.dir, r.manifest.EventsPath))
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(snappy.NewReader(f))
	sc.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("%w: event line: %v", ErrCorrupt, err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: events: %v", ErrCorrupt, err)
	}
	return nil
}
