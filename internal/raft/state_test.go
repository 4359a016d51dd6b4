package raft

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ElectionTick != 10 {
		t.Errorf("expected election tick 10, got %d", cfg.ElectionTick)
	}
	if cfg.HeartbeatTick != 3 {
		t.Errorf("expected heartbeat tick 3, got %d", cfg.HeartbeatTick)
	}
	if cfg.CompactedLogSizeThreshold != 1<<30 {
		t.Errorf("expected 1 GiB threshold, got %d", cfg.CompactedLogSizeThreshold)
	}
	if cfg.SnapshotInterval != 15*time.Second {
		t.Errorf("expected 15s snapshot interval, got %v", cfg.SnapshotInterval)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.ID = 1
		cfg.Addr = "127.0.0.1:7001"
		cfg.LogDir = "/tmp/raft"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero id", func(c *Config) { c.ID = 0 }, true},
		{"no address", func(c *Config) { c.Addr = "" }, true},
		{"no log dir", func(c *Config) { c.LogDir = "" }, true},
		{"zero heartbeat", func(c *Config) { c.HeartbeatTick = 0 }, true},
		{"election not above heartbeat", func(c *Config) { c.ElectionTick = c.HeartbeatTick }, true},
		{"zero tick interval", func(c *Config) { c.TickInterval = 0 }, true},
		{"zero join timeout", func(c *Config) { c.JoinTimeout = 0 }, true},
		{"zero proposal timeout", func(c *Config) { c.ProposalTimeout = 0 }, true},
		{"zero inflight", func(c *Config) { c.MaxInflightMsgs = 0 }, true},
		{"snapshot disabled", func(c *Config) { c.SnapshotInterval = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state int32
		want  string
	}{
		{StateInitializing, "initializing"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
		{42, "unknown"},
	}

	for _, tt := range tests {
		if got := StateString(tt.state); got != tt.want {
			t.Errorf("StateString(%d) = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestLifecycleOnlyMovesForward(t *testing.T) {
	var l lifecycle

	if !l.advance(StateRunning) {
		t.Fatal("expected transition to running")
	}
	if l.advance(StateRunning) {
		t.Error("repeated transition should fail")
	}
	if !l.advance(StateStopped) {
		t.Fatal("expected transition to stopped")
	}
	if l.advance(StateStopping) {
		t.Error("backward transition should fail")
	}
	if l.load() != StateStopped {
		t.Errorf("expected stopped, got %s", StateString(l.load()))
	}
}
