package config

import "time"

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      1,
			Address: "127.0.0.1:7001",
		},
		Raft: RaftConfig{
			ElectionTick:     10,
			HeartbeatTick:    3,
			TickInterval:     100 * time.Millisecond,
			OmitHeartbeatLog: true,
			SnapshotInterval: 15 * time.Second,
			JoinTimeout:      10 * time.Second,
			ProposalTimeout:  10 * time.Second,
			MessageTimeout:   2 * time.Second,
			MaxSizePerMsg:    "1MB",
			MaxInflightMsgs:  256,
		},
		Storage: StorageConfig{
			LogDir:                    "/var/lib/raftnode",
			SaveCompactedLogs:         true,
			CompactedLogDir:           "",
			CompactedLogSizeThreshold: "1GB",
		},
		Bootstrap: BootstrapConfig{
			Mode:          ModeStatic,
			RetryInterval: 500 * time.Millisecond,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
