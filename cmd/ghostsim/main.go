// ghostsim runs a server and several predicting clients in one process over
// simulated links and reports replication statistics.
//
// Usage:
//
//	go run ./cmd/ghostsim
package main

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/l1jgo/ghostnet/internal/config"
	"github.com/l1jgo/ghostnet/internal/core/event"
	"github.com/l1jgo/ghostnet/internal/data"
	"github.com/l1jgo/ghostnet/internal/ghost"
	gonet "github.com/l1jgo/ghostnet/internal/net"
	"github.com/l1jgo/ghostnet/internal/scripting"
	"github.com/l1jgo/ghostnet/internal/system"
	"github.com/l1jgo/ghostnet/internal/tick"
	"github.com/l1jgo/ghostnet/internal/world"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type peer struct {
	conn     int32
	client   *world.Client
	up, down *gonet.Link
	diag     *system.DiagnosticsSystem
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.WithOptions(zap.IncreaseLevel(zap.WarnLevel))

	types, err := data.LoadGhostTypes(cfg.Server.GhostTypes)
	if err != nil {
		return err
	}
	sim := cfg.Simulation
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	peers := make(map[int32]*peer, sim.Clients)
	order := make([]int32, 0, sim.Clients)

	serverSim, err := scripting.NewEngine(cfg.Server.Scripts, log)
	if err != nil {
		return err
	}
	defer serverSim.Close()
	srv, err := world.NewServer(world.ServerDeps{
		Config: cfg,
		Types:  types,
		Sim:    serverSim,
		Transport: world.TransportFunc(func(conn int32, b []byte) {
			if p, ok := peers[conn]; ok {
				p.down.Send(now, b)
			}
		}),
		Log:   log.Named("server"),
		Clock: clock,
	})
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(sim.Seed))
	for i := 0; i < sim.Ghosts; i++ {
		kind := "Crate"
		if i%2 == 1 {
			kind = "Projectile"
		}
		_, st, err := srv.Spawn(kind, ghost.NoOwner)
		if err != nil {
			return err
		}
		l := st.Layout
		st.SetFloat(l.MustField("Transform.x"), float32(rng.Intn(200)))
		st.SetFloat(l.MustField("Transform.y"), float32(rng.Intn(200)))
		if kind == "Projectile" {
			st.SetFloat(l.MustField("Transform.vx"), float32(rng.Intn(5)-2)*0.25)
			st.SetFloat(l.MustField("Transform.vy"), float32(rng.Intn(5)-2)*0.25)
		}
	}

	for i := 0; i < sim.Clients; i++ {
		conn := int32(i + 1)
		engine, err := scripting.NewEngine(cfg.Server.Scripts, log)
		if err != nil {
			return err
		}
		defer engine.Close()
		p := &peer{
			conn: conn,
			up:   gonet.NewLink(sim.Latency, sim.Jitter, sim.LossPercent, sim.Seed+int64(2*i)),
			down: gonet.NewLink(sim.Latency, sim.Jitter, sim.LossPercent, sim.Seed+int64(2*i+1)),
		}
		bus := event.NewBus()
		p.client, err = world.NewClient(world.ClientDeps{
			Config: cfg,
			Types:  types,
			Sim:    engine,
			Send:   func(b []byte) { p.up.Send(now, b) },
			ConnID: conn,
			Bus:    bus,
			Log:    log.Named("client"),
			Clock:  clock,
			Input:  circleInput(conn),
		})
		if err != nil {
			return err
		}
		p.diag = system.NewDiagnosticsSystem(bus, nil, 0, nil, func() tick.Tick { return p.client.Targets().Predict }, 0, log)
		p.client.Runner().Register(p.diag)
		if err := srv.AddConnection(conn, cfg.Server.Avatar); err != nil {
			return err
		}
		peers[conn] = p
		order = append(order, conn)
	}

	dt := cfg.TickDuration()
	frames := int(sim.Duration / dt)
	var buf [][]byte
	for f := 0; f < frames; f++ {
		now = now.Add(dt)
		for _, conn := range order {
			buf = peers[conn].up.Receive(now, buf[:0])
			for _, b := range buf {
				if err := srv.Deliver(conn, b); err != nil {
					log.Warn("server rejected datagram", zap.Int32("conn", conn), zap.Error(err))
				}
			}
		}
		srv.Advance(dt)
		for _, conn := range order {
			p := peers[conn]
			buf = p.down.Receive(now, buf[:0])
			for _, b := range buf {
				if err := p.client.Deliver(b); err != nil {
					log.Warn("client rejected datagram", zap.Int32("conn", conn), zap.Error(err))
				}
			}
			p.client.Frame(dt)
		}
	}

	report(srv, peers, order, sim, frames)
	return nil
}

// circleInput steers a client's avatar around a circle, one lap per ~6s.
func circleInput(conn int32) world.InputSource {
	phase := float64(conn)
	return func(t tick.Tick) []int32 {
		a := phase + float64(t.Value())/60
		return []int32{int32(math.Round(math.Cos(a))), int32(math.Round(math.Sin(a))), 0}
	}
}

func report(srv *world.Server, peers map[int32]*peer, order []int32, sim config.SimulationConfig, frames int) {
	p := message.NewPrinter(language.English)
	st := srv.Stats()
	p.Printf("\nsimulated %d frames (%s), latency %s ±%s, loss %.1f%%\n",
		frames, sim.Duration, sim.Latency, sim.Jitter, sim.LossPercent)
	p.Printf("server: %d ticks, %d packets, %d bytes (%.1f bytes/packet), %d dropped ticks\n",
		st.Ticks, st.Packets, st.Bytes, float64(st.Bytes)/math.Max(1, float64(st.Packets)), st.DroppedTicks)
	for _, conn := range order {
		peer := peers[conn]
		cs := peer.client.Stats()
		rtt := peer.client.TimeSync().Estimator().RTT()
		p.Printf("client %d: %d packets, %d ghosts applied, %d skipped, %d mispredictions (%d resim ticks), %d rollbacks, rtt %s, lead %d, link loss %d/%d\n",
			conn, cs.Packets, cs.Applied, cs.Skipped, cs.Mispredictions, cs.ResimTicks, cs.Rollbacks,
			rtt.Round(time.Millisecond), peer.client.TimeSync().Lead(), peer.down.Dropped, peer.down.Sent)
		d := peer.diag.Totals()
		if d.DecodeFailures > 0 || d.SchemaRejects > 0 {
			p.Printf("  diagnostics: %d decode failures, %d schema rejects\n", d.DecodeFailures, d.SchemaRejects)
		}
	}
}
