package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netcode.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if got := cfg.TickDuration(); got != 16666667*time.Nanosecond {
		t.Fatalf("tick duration = %v", got)
	}
}

func TestLoadSampleFile(t *testing.T) {
	cfg, err := Load("../../config/netcode.toml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Netcode.TickRate != 60 || cfg.TimeSync.RollbackThreshold != 8 {
		t.Fatalf("netcode = %+v timesync = %+v", cfg.Netcode, cfg.TimeSync)
	}
	if cfg.Simulation.Latency != 50*time.Millisecond {
		t.Fatalf("latency = %v", cfg.Simulation.Latency)
	}
	if cfg.Server.StartTime == 0 {
		t.Fatal("start time not stamped")
	}
}

func TestOverridesKeepDefaults(t *testing.T) {
	path := writeConfig(t, `
[netcode]
tick_rate = 30
workers = 8

[timesync]
max_time_scale = 1.25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Netcode.Workers != 8 || cfg.Netcode.MaxPacketBytes != 1200 {
		t.Fatalf("netcode = %+v", cfg.Netcode)
	}
	ts := cfg.TimeSyncConfig()
	if ts.TickDuration != 33333334*time.Nanosecond || ts.MaxTimeScale != 1.25 || ts.MinPredictionLead != 2 {
		t.Fatalf("timesync = %+v", ts)
	}
	if rc := cfg.ReplicationConfig(); rc.Workers != 8 || !rc.MultiBaseline {
		t.Fatalf("replication = %+v", rc)
	}
	if pc := cfg.PredictionConfig(); pc.HistoryTicks != 64 || pc.SpawnMatchWindow != 2 {
		t.Fatalf("prediction = %+v", pc)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"tick rate", "[netcode]\ntick_rate = 0\n", "tick_rate"},
		{"history", "[prediction]\nhistory_ticks = 4\n", "history_ticks"},
		{"history ring", "[prediction]\nhistory_ticks = 96\n", "power of two"},
		{"snapshot ring", "[netcode]\nhistory_slots = 24\n", "history_slots"},
		{"time scale", "[timesync]\nmax_time_scale = 0.5\n", "max time scale"},
		{"replay dir", "[replay]\nenabled = true\ndir = \"\"\n", "replay.dir"},
		{"loss", "[simulation]\nloss_percent = 120.0\n", "loss_percent"},
		{"syntax", "[netcode\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v", err)
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvPath, "")
	if Path() != DefaultPath {
		t.Fatalf("path = %s", Path())
	}
	t.Setenv(EnvPath, "/tmp/x.toml")
	if Path() != "/tmp/x.toml" {
		t.Fatalf("path = %s", Path())
	}
}
