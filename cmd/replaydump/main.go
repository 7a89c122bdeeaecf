// replaydump prints a recorded replay bundle: its manifest as YAML, then one
// line per frame and per event.
//
// Usage:
//
//	go run ./cmd/replaydump replays/ghostnet-20240101-120000 [-frames] [-events]
package main

import (
	"fmt"
	"os"

	"github.com/l1jgo/ghostnet/internal/replay"
	"github.com/l1jgo/ghostnet/internal/replication"
	"gopkg.in/yaml.v3"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: replaydump <bundle-dir> [-frames] [-events]")
		os.Exit(2)
	}
	showFrames, showEvents := true, true
	if len(os.Args) > 2 {
		showFrames, showEvents = false, false
		for _, a := range os.Args[2:] {
			switch a {
			case "-frames":
				showFrames = true
			case "-events":
				showEvents = true
			default:
				fmt.Fprintf(os.Stderr, "unknown flag %s\n", a)
				os.Exit(2)
			}
		}
	}
	if err := run(os.Args[1], showFrames, showEvents); err != nil {
		fmt.Fprintf(os.Stderr, "replaydump: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string, showFrames, showEvents bool) error {
	r, err := replay.Open(dir)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(r.Manifest())
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	fmt.Printf("# manifest\n%s\n", out)

	if showFrames {
		fmt.Println("# frames")
		if err := r.Frames(func(f replay.Frame) error {
			fmt.Printf("%-12s conn=%-4d %-9s %5dB  %s\n", f.Tick, f.Connection, f.Dir, len(f.Payload), describe(f))
			return nil
		}); err != nil {
			return err
		}
		fmt.Println()
	}
	if showEvents {
		fmt.Println("# events")
		if err := r.Events(func(e replay.Event) error {
			fmt.Printf("tick(%d) %-18s %s\n", e.Tick, e.Type, e.Payload)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func describe(f replay.Frame) string {
	switch f.Dir {
	case replay.ToClient:
		p, err := replication.ParseSnapshot(f.Payload)
		if err != nil {
			return "bad snapshot: " + err.Error()
		}
		return fmt.Sprintf("snapshot %s ghosts=%d despawns=%d", p.ServerTick, p.GhostCount, len(p.Despawns))
	default:
		p, err := replication.ParseClient(f.Payload)
		if err != nil {
			return "bad ack: " + err.Error()
		}
		return fmt.Sprintf("ack %s mask=%016x inputs=%d", p.Ack.Last, p.Ack.Mask, len(p.Inputs))
	}
}
