package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/l1jgo/ghostnet/internal/prediction"
	"github.com/l1jgo/ghostnet/internal/replication"
	"github.com/l1jgo/ghostnet/internal/timesync"
)

// EnvPath names the environment variable that overrides the config path.
const EnvPath = "GHOSTNET_CONFIG"

// DefaultPath is used when EnvPath is unset.
const DefaultPath = "config/netcode.toml"

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Netcode    NetcodeConfig    `toml:"netcode"`
	TimeSync   TimeSyncConfig   `toml:"timesync"`
	Prediction PredictionConfig `toml:"prediction"`
	Database   DatabaseConfig   `toml:"database"`
	Replay     ReplayConfig     `toml:"replay"`
	Logging    LoggingConfig    `toml:"logging"`
	Simulation SimulationConfig `toml:"simulation"`
}

type ServerConfig struct {
	Name         string        `toml:"name"`
	BindAddress  string        `toml:"bind_address"` // TCP framed transport
	WSAddress    string        `toml:"ws_address"`   // websocket transport, empty disables
	GhostTypes   string        `toml:"ghost_types"`
	Scripts      string        `toml:"scripts"`
	Avatar       string        `toml:"avatar"` // ghost type spawned for each connection
	InQueueSize  int           `toml:"in_queue_size"`
	OutQueueSize int           `toml:"out_queue_size"`
	WriteTimeout time.Duration `toml:"write_timeout"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	StartTime    int64         // set at boot, not from config
}

type NetcodeConfig struct {
	TickRate       int  `toml:"tick_rate"`        // simulation ticks per second
	HistorySlots   int  `toml:"history_slots"`    // snapshots kept per ghost
	Workers        int  `toml:"workers"`          // parallel encode goroutines
	MaxPacketBytes int  `toml:"max_packet_bytes"` // snapshot body budget
	MultiBaseline  bool `toml:"multi_baseline"`
	InputBuffer    int  `toml:"input_buffer"` // ticks of client input kept per connection
}

type TimeSyncConfig struct {
	MinPredictionLead  int           `toml:"min_prediction_lead"`
	SafetyMargin       time.Duration `toml:"safety_margin"`
	InterpolationDelay int           `toml:"interpolation_delay"`
	MaxExpectedLatency time.Duration `toml:"max_expected_latency"`
	CatchupThreshold   int           `toml:"catchup_threshold"`
	RollbackThreshold  int           `toml:"rollback_threshold"`
	MaxTimeScale       float64       `toml:"max_time_scale"`
	MaxStepsPerFrame   int           `toml:"max_steps_per_frame"`
	MaxBatchTicks      int           `toml:"max_batch_ticks"`
}

type PredictionConfig struct {
	Tolerance             float32 `toml:"tolerance"`
	HistoryTicks          int     `toml:"history_ticks"`
	SpawnMatchWindow      int     `toml:"spawn_match_window"`
	PredictedSpawnTimeout int     `toml:"predicted_spawn_timeout"`
}

// DatabaseConfig is optional: an empty DSN disables diagnostics persistence.
type DatabaseConfig struct {
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	FlushInterval   int           `toml:"flush_interval"` // ticks between diagnostics flushes
}

type ReplayConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// SimulationConfig drives cmd/ghostsim only.
type SimulationConfig struct {
	Clients     int           `toml:"clients"`
	Ghosts      int           `toml:"ghosts"`
	Duration    time.Duration `toml:"duration"`
	Latency     time.Duration `toml:"latency"` // one way
	Jitter      time.Duration `toml:"jitter"`
	LossPercent float64       `toml:"loss_percent"`
	Seed        int64         `toml:"seed"`
}

// Path returns the config path, honouring GHOSTNET_CONFIG.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Server.StartTime = time.Now().Unix()
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config { return defaults() }

func defaults() *Config {
	ts := timesync.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Name:         "ghostnet",
			BindAddress:  "0.0.0.0:7001",
			GhostTypes:   "data/yaml/ghost_types.yaml",
			Scripts:      "scripts",
			Avatar:       "Player",
			InQueueSize:  128,
			OutQueueSize: 256,
			WriteTimeout: 10 * time.Second,
			ReadTimeout:  60 * time.Second,
		},
		Netcode: NetcodeConfig{
			TickRate:       60,
			HistorySlots:   32,
			Workers:        4,
			MaxPacketBytes: 1200,
			MultiBaseline:  true,
			InputBuffer:    64,
		},
		TimeSync: TimeSyncConfig{
			MinPredictionLead:  ts.MinPredictionLead,
			SafetyMargin:       ts.SafetyMargin,
			InterpolationDelay: ts.InterpolationDelay,
			MaxExpectedLatency: ts.MaxExpectedLatency,
			CatchupThreshold:   ts.CatchupThreshold,
			RollbackThreshold:  ts.RollbackThreshold,
			MaxTimeScale:       ts.MaxTimeScale,
			MaxStepsPerFrame:   ts.MaxStepsPerFrame,
			MaxBatchTicks:      ts.MaxBatchTicks,
		},
		Prediction: PredictionConfig{
			Tolerance:             0.001,
			HistoryTicks:          64,
			SpawnMatchWindow:      2,
			PredictedSpawnTimeout: 30,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			FlushInterval:   300,
		},
		Replay: ReplayConfig{
			Dir: "replays",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Simulation: SimulationConfig{
			Clients:  2,
			Ghosts:   16,
			Duration: 10 * time.Second,
			Latency:  50 * time.Millisecond,
			Seed:     1,
		},
	}
}

// Validate rejects values the netcode cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Netcode.TickRate <= 0 || c.Netcode.TickRate > 1000 {
		errs = append(errs, fmt.Errorf("netcode.tick_rate %d out of range 1..1000", c.Netcode.TickRate))
	}
	if c.Netcode.HistorySlots < 2 || !powerOfTwo(c.Netcode.HistorySlots) {
		errs = append(errs, fmt.Errorf("netcode.history_slots %d must be a power of two >= 2", c.Netcode.HistorySlots))
	}
	if c.Netcode.MaxPacketBytes < 64 {
		errs = append(errs, fmt.Errorf("netcode.max_packet_bytes must be >= 64"))
	}
	if c.Netcode.Workers < 0 {
		errs = append(errs, fmt.Errorf("netcode.workers must not be negative"))
	}
	if c.Prediction.Tolerance < 0 {
		errs = append(errs, fmt.Errorf("prediction.tolerance must not be negative"))
	}
	if c.Prediction.HistoryTicks < c.TimeSync.RollbackThreshold {
		errs = append(errs, fmt.Errorf("prediction.history_ticks %d shorter than timesync.rollback_threshold %d",
			c.Prediction.HistoryTicks, c.TimeSync.RollbackThreshold))
	}
	if !powerOfTwo(c.Prediction.HistoryTicks) {
		errs = append(errs, fmt.Errorf("prediction.history_ticks %d must be a power of two", c.Prediction.HistoryTicks))
	}
	if c.Prediction.SpawnMatchWindow < 0 || c.Prediction.PredictedSpawnTimeout <= 0 {
		errs = append(errs, fmt.Errorf("prediction spawn window and timeout must be positive"))
	}
	if c.Replay.Enabled && c.Replay.Dir == "" {
		errs = append(errs, fmt.Errorf("replay.dir required when replay is enabled"))
	}
	if c.Simulation.LossPercent < 0 || c.Simulation.LossPercent > 100 {
		errs = append(errs, fmt.Errorf("simulation.loss_percent out of range 0..100"))
	}
	if err := c.TimeSyncConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Tick rings index by value modulo their size; only power-of-two sizes stay
// contiguous across the 2^31 wrap.
func powerOfTwo(n int) bool { return n > 0 && bits.OnesCount(uint(n)) == 1 }

// TickDuration returns the length of one simulation tick.
func (c *Config) TickDuration() time.Duration {
	return timesync.TickDurationForRate(c.Netcode.TickRate)
}

func (c *Config) TimeSyncConfig() timesync.Config {
	t := c.TimeSync
	return timesync.Config{
		TickDuration:       c.TickDuration(),
		MinPredictionLead:  t.MinPredictionLead,
		SafetyMargin:       t.SafetyMargin,
		InterpolationDelay: t.InterpolationDelay,
		MaxExpectedLatency: t.MaxExpectedLatency,
		CatchupThreshold:   t.CatchupThreshold,
		RollbackThreshold:  t.RollbackThreshold,
		MaxTimeScale:       t.MaxTimeScale,
		MaxStepsPerFrame:   t.MaxStepsPerFrame,
		MaxBatchTicks:      t.MaxBatchTicks,
	}
}

func (c *Config) ReplicationConfig() replication.ServerConfig {
	return replication.ServerConfig{
		Workers:        c.Netcode.Workers,
		MaxPacketBytes: c.Netcode.MaxPacketBytes,
		MultiBaseline:  c.Netcode.MultiBaseline,
		InputBuffer:    c.Netcode.InputBuffer,
	}
}

func (c *Config) PredictionConfig() prediction.Config {
	p := c.Prediction
	return prediction.Config{
		Tolerance:             p.Tolerance,
		HistoryTicks:          p.HistoryTicks,
		SpawnMatchWindow:      p.SpawnMatchWindow,
		PredictedSpawnTimeout: p.PredictedSpawnTimeout,
	}
}
