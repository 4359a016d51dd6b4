package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/KilimcininKorOglu/raftnode/internal/raft"
)

// Parser errors.
var (
	ErrInvalidYAML       = errors.New("invalid YAML format")
	ErrFileNotFound      = errors.New("configuration file not found")
	ErrMissingConfigFile = errors.New("config file path is required")
)

// LoadConfig loads configuration from a file path.
// It reads the file, substitutes environment variables, parses YAML,
// and applies defaults for missing values.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, ErrMissingConfigFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}

	return ParseConfig(data)
}

// ParseConfig parses configuration from YAML data.
// Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	data = substituteEnvVars(data)

	config := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return config, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		content := string(match[2 : len(match)-1])

		if idx := strings.Index(content, ":-"); idx != -1 {
			varName := content[:idx]
			defaultVal := content[idx+2:]
			if val := os.Getenv(varName); val != "" {
				return []byte(val)
			}
			return []byte(defaultVal)
		}

		return []byte(os.Getenv(content))
	})
}

// ToNodeConfig builds the node configuration. id overrides Node.ID when
// non-zero, which is how a dynamically joined node receives its id.
func (c *Config) ToNodeConfig(id uint64) (raft.Config, error) {
	threshold, err := parseSize(c.Storage.CompactedLogSizeThreshold)
	if err != nil {
		return raft.Config{}, ValidationError{Field: "storage.compactedLogSizeThreshold", Message: err.Error()}
	}
	maxSize, err := parseSize(c.Raft.MaxSizePerMsg)
	if err != nil {
		return raft.Config{}, ValidationError{Field: "raft.maxSizePerMsg", Message: err.Error()}
	}
	if id == 0 {
		id = c.Node.ID
	}

	cfg := raft.DefaultConfig()
	cfg.ID = id
	cfg.Addr = c.Node.Address
	cfg.ElectionTick = c.Raft.ElectionTick
	cfg.HeartbeatTick = c.Raft.HeartbeatTick
	cfg.TickInterval = c.Raft.TickInterval
	cfg.OmitHeartbeatLog = c.Raft.OmitHeartbeatLog
	cfg.SnapshotInterval = c.Raft.SnapshotInterval
	cfg.JoinTimeout = c.Raft.JoinTimeout
	cfg.ProposalTimeout = c.Raft.ProposalTimeout
	cfg.MessageTimeout = c.Raft.MessageTimeout
	cfg.MaxInflightMsgs = c.Raft.MaxInflightMsgs
	cfg.LogDir = c.Storage.LogDir
	cfg.SaveCompactedLogs = c.Storage.SaveCompactedLogs
	cfg.CompactedLogDir = c.Storage.CompactedLogDir
	if threshold > 0 {
		cfg.CompactedLogSizeThreshold = uint64(threshold)
	}
	if maxSize > 0 {
		cfg.MaxSizePerMsg = uint64(maxSize)
	}
	return cfg, nil
}

// BootstrapPeers returns the static member list.
func (c *Config) BootstrapPeers() []raft.Peer {
	peers := make([]raft.Peer, 0, len(c.Bootstrap.Peers))
	for _, p := range c.Bootstrap.Peers {
		peers = append(peers, raft.Peer{ID: p.ID, Addr: p.Address})
	}
	return peers
}
