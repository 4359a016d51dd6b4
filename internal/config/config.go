package config

import "time"

// Config holds the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Raft      RaftConfig      `yaml:"raft"`
	Storage   StorageConfig   `yaml:"storage"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Logging   LogConfig       `yaml:"logging"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	ID      uint64 `yaml:"id"`      // 0 for a node that joins dynamically
	Address string `yaml:"address"` // host:port peers use to reach the node
}

// RaftConfig holds consensus tuning.
type RaftConfig struct {
	ElectionTick     int           `yaml:"electionTick"`
	HeartbeatTick    int           `yaml:"heartbeatTick"`
	TickInterval     time.Duration `yaml:"tickInterval"`
	OmitHeartbeatLog bool          `yaml:"omitHeartbeatLog"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
	JoinTimeout      time.Duration `yaml:"joinTimeout"`
	ProposalTimeout  time.Duration `yaml:"proposalTimeout"`
	MessageTimeout   time.Duration `yaml:"messageTimeout"`
	MaxSizePerMsg    string        `yaml:"maxSizePerMsg"`
	MaxInflightMsgs  int           `yaml:"maxInflightMsgs"`
}

// StorageConfig holds log storage configuration.
type StorageConfig struct {
	LogDir                    string `yaml:"logDir"`
	SaveCompactedLogs         bool   `yaml:"saveCompactedLogs"`
	CompactedLogDir           string `yaml:"compactedLogDir"`
	CompactedLogSizeThreshold string `yaml:"compactedLogSizeThreshold"`
}

// BootstrapConfig selects how the node obtains its initial membership.
type BootstrapConfig struct {
	Mode          string        `yaml:"mode"` // static or dynamic
	Peers         []PeerConfig  `yaml:"peers"`
	JoinAddr      string        `yaml:"joinAddr"`
	RetryInterval time.Duration `yaml:"retryInterval"`
}

// PeerConfig is one static cluster member.
type PeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Bootstrap modes.
const (
	ModeStatic  = "static"
	ModeDynamic = "dynamic"
)
