package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l1jgo/ghostnet/internal/config"
	"github.com/l1jgo/ghostnet/internal/core/event"
	coresys "github.com/l1jgo/ghostnet/internal/core/system"
	"github.com/l1jgo/ghostnet/internal/data"
	gonet "github.com/l1jgo/ghostnet/internal/net"
	"github.com/l1jgo/ghostnet/internal/persist"
	"github.com/l1jgo/ghostnet/internal/replay"
	"github.com/l1jgo/ghostnet/internal/scripting"
	"github.com/l1jgo/ghostnet/internal/system"
	"github.com/l1jgo/ghostnet/internal/world"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m              ghostnet  v0.1.0             \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m        snapshot replication server        \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mserver:\033[0m %s\n\n", serverName)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name)

	// 3. Ghost types and simulation scripts
	printSection("schema")
	types, err := data.LoadGhostTypes(cfg.Server.GhostTypes)
	if err != nil {
		return fmt.Errorf("ghost types: %w", err)
	}
	printStat("ghost types", len(types.Types))
	printOK(fmt.Sprintf("schema hash %016x", types.Hash))

	engine, err := scripting.NewEngine(cfg.Server.Scripts, log)
	if err != nil {
		return fmt.Errorf("scripting: %w", err)
	}
	defer engine.Close()
	printOK("simulation scripts loaded")
	fmt.Println()

	// 4. Optional diagnostics database
	printSection("diagnostics")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := persist.NewDB(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	var (
		sink    system.DiagnosticsSink
		session int64
	)
	if db != nil {
		version, err := db.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printStat("schema version", int(version))
		repo := persist.NewDiagnosticsRepo(db)
		session, err = repo.StartSession(ctx, cfg.Server.Name, cfg.Netcode.TickRate, types.Hash)
		if err != nil {
			return fmt.Errorf("start diagnostics session: %w", err)
		}
		sink = repo
		printOK(fmt.Sprintf("PostgreSQL diagnostics, session %d", session))
	} else {
		printOK("database disabled, diagnostics kept in memory")
	}

	var (
		recorder *replay.Writer
		frames   world.Recorder
		events   system.EventRecorder
	)
	if cfg.Replay.Enabled {
		recorder, err = replay.NewWriter(cfg.Replay.Dir, cfg.Server.Name, cfg.Netcode.TickRate, types.Hash, time.Now)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		defer recorder.Close()
		frames, events = recorder, recorder
		printOK("recording replay to " + recorder.Dir())
	}
	fmt.Println()

	// 5. Network
	netServer, err := gonet.NewServer(cfg.Server.BindAddress, gonet.SessionOptions{
		InQueue:      cfg.Server.InQueueSize,
		OutQueue:     cfg.Server.OutQueueSize,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go netServer.AcceptLoop()
	if cfg.Server.WSAddress != "" {
		if _, err := netServer.ListenWS(cfg.Server.WSAddress); err != nil {
			return fmt.Errorf("websocket listen: %w", err)
		}
	}
	store := gonet.NewSessionStore()

	// 6. World and systems
	bus := event.NewBus()
	srv, err := world.NewServer(world.ServerDeps{
		Config:    cfg,
		Types:     types,
		Sim:       engine,
		Transport: store,
		Bus:       bus,
		Log:       log,
		Recorder:  frames,
	})
	if err != nil {
		return err
	}
	diag := system.NewDiagnosticsSystem(bus, sink, session, events, srv.Tick, cfg.Database.FlushInterval, log)

	runner := srv.Runner()
	runner.Register(system.NewInputSystem(netServer, store, srv, cfg.Server.Avatar, cfg.Server.InQueueSize, log))
	runner.Register(coresys.Func{P: coresys.PhaseDiagnostics, Fn: func(time.Duration) {
		for _, p := range srv.LastPackets() {
			diag.AddNetStats(p.Conn, p.Stats, 0)
		}
	}})
	runner.Register(diag)
	runner.Register(system.NewOutputSystem(store))

	// 7. Simulation loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	tickDur := cfg.TickDuration()
	ticker := time.NewTicker(tickDur)
	defer ticker.Stop()

	printSection("ready")
	printReady(fmt.Sprintf("tcp %s", netServer.Addr().String()))
	if cfg.Server.WSAddress != "" {
		printReady(fmt.Sprintf("websocket %s%s", cfg.Server.WSAddress, gonet.WSPath))
	}
	printReady(fmt.Sprintf("simulation loop (%d Hz, tick %s)", cfg.Netcode.TickRate, tickDur))
	fmt.Println()

	last := time.Now()
	for {
		select {
		case now := <-ticker.C:
			plan := srv.Advance(now.Sub(last))
			last = now
			if len(plan.Steps) == 0 {
				// Keep acks flowing on frames that plan no step.
				runner.TickPhase(coresys.PhaseReceive, 0)
			} else if spent := runner.Total(); spent > tickDur {
				log.Warn("slow step",
					zap.Duration("spent", spent),
					zap.Duration("simulate", runner.Spent(coresys.PhaseSimulate)),
					zap.Duration("send", runner.Spent(coresys.PhaseSend)))
			}
		case sig := <-shutdownCh:
			log.Info("shutdown signal", zap.String("signal", sig.String()))
			netServer.Shutdown()
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := diag.Flush(flushCtx); err != nil {
				log.Error("final diagnostics flush", zap.Error(err))
			}
			flushCancel()
			st := srv.Stats()
			log.Info("server stopped",
				zap.Uint64("ticks", st.Ticks),
				zap.Uint64("packets", st.Packets),
				zap.Uint64("bytes", st.Bytes),
				zap.Uint64("dropped_ticks", st.DroppedTicks))
			return nil
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
