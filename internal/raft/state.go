package raft

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Lifecycle states of a node loop.
const (
	StateInitializing int32 = iota
	StateRunning
	StateStopping
	StateStopped
)

// StateString returns the string representation of a lifecycle state.
func StateString(state int32) string {
	switch state {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// lifecycle tracks the node state. Transitions only move forward.
type lifecycle struct {
	state atomic.Int32
}

func (l *lifecycle) load() int32 {
	return l.state.Load()
}

// advance moves to state if it is later than the current one.
func (l *lifecycle) advance(state int32) bool {
	for {
		cur := l.state.Load()
		if cur >= state {
			return false
		}
		if l.state.CompareAndSwap(cur, state) {
			return true
		}
	}
}

// Config holds configuration for a Raft node. It is read-only once the node
// has been created.
type Config struct {
	ID   uint64 // Unique node ID
	Addr string // Address peers use to reach this node

	ElectionTick     int           // Ticks without leader contact before campaigning
	HeartbeatTick    int           // Ticks between leader heartbeats
	TickInterval     time.Duration // Wall time of one tick
	OmitHeartbeatLog bool          // Leave heartbeats out of the message debug log

	LogDir                    string // Directory for log and snapshots
	SaveCompactedLogs         bool   // Archive compacted entries
	CompactedLogDir           string // Archive directory, defaults to LogDir
	CompactedLogSizeThreshold uint64 // Snapshot once the log holds this many bytes

	SnapshotInterval time.Duration // Snapshot at least this often, 0 disables
	JoinTimeout      time.Duration // Pending joins fail after this
	ProposalTimeout  time.Duration // Pending proposals fail after this
	MessageTimeout   time.Duration // Timeout for a single outbound message

	MaxSizePerMsg   uint64 // Replication batch size limit
	MaxInflightMsgs int    // Replication pipeline depth
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		ElectionTick:              10,
		HeartbeatTick:             3,
		TickInterval:              100 * time.Millisecond,
		CompactedLogSizeThreshold: 1 << 30,
		SnapshotInterval:          15 * time.Second,
		JoinTimeout:               10 * time.Second,
		ProposalTimeout:           10 * time.Second,
		MessageTimeout:            2 * time.Second,
		MaxSizePerMsg:             1 << 20,
		MaxInflightMsgs:           256,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("%w: node id must be non-zero", ErrInvalidConfig)
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: address required", ErrInvalidConfig)
	}
	if c.LogDir == "" {
		return fmt.Errorf("%w: log directory required", ErrInvalidConfig)
	}
	if c.HeartbeatTick <= 0 {
		return fmt.Errorf("%w: heartbeat tick must be positive", ErrInvalidConfig)
	}
	if c.ElectionTick <= c.HeartbeatTick {
		return fmt.Errorf("%w: election tick must exceed heartbeat tick", ErrInvalidConfig)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalidConfig)
	}
	if c.JoinTimeout <= 0 || c.ProposalTimeout <= 0 || c.MessageTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.MaxInflightMsgs <= 0 {
		return fmt.Errorf("%w: max inflight messages must be positive", ErrInvalidConfig)
	}
	return nil
}
