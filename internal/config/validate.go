package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig validates the configuration and returns a list of validation errors.
// An empty slice indicates the configuration is valid.
func ValidateConfig(config *Config) []error {
	var errs []error

	errs = append(errs, validateNodeConfig(config)...)
	errs = append(errs, validateRaftConfig(&config.Raft)...)
	errs = append(errs, validateStorageConfig(&config.Storage)...)
	errs = append(errs, validateBootstrapConfig(config)...)
	errs = append(errs, validateLogConfig(&config.Logging)...)

	return errs
}

func validateNodeConfig(config *Config) []error {
	var errs []error

	if config.Node.ID == 0 && config.Bootstrap.Mode != ModeDynamic {
		errs = append(errs, ValidationError{
			Field:   "node.id",
			Message: "must be non-zero for static bootstrap",
		})
	}

	if config.Node.Address == "" {
		errs = append(errs, ValidationError{
			Field:   "node.address",
			Message: "address is required",
		})
	} else if err := validateAddress(config.Node.Address); err != nil {
		errs = append(errs, ValidationError{
			Field:   "node.address",
			Message: err.Error(),
		})
	}

	return errs
}

func validateRaftConfig(config *RaftConfig) []error {
	var errs []error

	if config.HeartbeatTick <= 0 {
		errs = append(errs, ValidationError{
			Field:   "raft.heartbeatTick",
			Message: "must be positive",
		})
	}

	if config.ElectionTick <= config.HeartbeatTick {
		errs = append(errs, ValidationError{
			Field:   "raft.electionTick",
			Message: "must be greater than heartbeatTick",
		})
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"raft.tickInterval", config.TickInterval},
		{"raft.joinTimeout", config.JoinTimeout},
		{"raft.proposalTimeout", config.ProposalTimeout},
		{"raft.messageTimeout", config.MessageTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Message: "must be positive",
			})
		}
	}

	if config.SnapshotInterval < 0 {
		errs = append(errs, ValidationError{
			Field:   "raft.snapshotInterval",
			Message: "must be non-negative",
		})
	}

	if _, err := parseSize(config.MaxSizePerMsg); err != nil {
		errs = append(errs, ValidationError{
			Field:   "raft.maxSizePerMsg",
			Message: err.Error(),
		})
	}

	if config.MaxInflightMsgs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "raft.maxInflightMsgs",
			Message: "must be positive",
		})
	}

	return errs
}

func validateStorageConfig(config *StorageConfig) []error {
	var errs []error

	if config.LogDir == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.logDir",
			Message: "log directory is required",
		})
	}

	if _, err := parseSize(config.CompactedLogSizeThreshold); err != nil {
		errs = append(errs, ValidationError{
			Field:   "storage.compactedLogSizeThreshold",
			Message: err.Error(),
		})
	}

	return errs
}

func validateBootstrapConfig(config *Config) []error {
	var errs []error
	b := &config.Bootstrap

	switch b.Mode {
	case ModeStatic:
		seen := make(map[uint64]bool, len(b.Peers))
		self := len(b.Peers) == 0
		for i, p := range b.Peers {
			field := fmt.Sprintf("bootstrap.peers[%d]", i)
			if p.ID == 0 {
				errs = append(errs, ValidationError{Field: field + ".id", Message: "must be non-zero"})
			}
			if seen[p.ID] {
				errs = append(errs, ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate id %d", p.ID)})
			}
			seen[p.ID] = true
			if err := validateAddress(p.Address); err != nil {
				errs = append(errs, ValidationError{Field: field + ".address", Message: err.Error()})
			}
			if p.ID == config.Node.ID {
				self = true
			}
		}
		if !self {
			errs = append(errs, ValidationError{
				Field:   "bootstrap.peers",
				Message: fmt.Sprintf("node %d is not a member", config.Node.ID),
			})
		}
	case ModeDynamic:
		if b.JoinAddr == "" {
			errs = append(errs, ValidationError{
				Field:   "bootstrap.joinAddr",
				Message: "join address is required for dynamic bootstrap",
			})
		} else {
			if err := validateAddress(b.JoinAddr); err != nil {
				errs = append(errs, ValidationError{Field: "bootstrap.joinAddr", Message: err.Error()})
			}
		}
		if b.RetryInterval <= 0 {
			errs = append(errs, ValidationError{
				Field:   "bootstrap.retryInterval",
				Message: "must be positive",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "bootstrap.mode",
			Message: "must be static or dynamic",
		})
	}

	return errs
}

func validateLogConfig(config *LogConfig) []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if config.Level != "" && !validLevels[strings.ToLower(config.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if config.Format != "" && !validFormats[strings.ToLower(config.Format)] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be json or text",
		})
	}

	return errs
}

// validateAddress validates a network address in host:port format.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %v", err)
	}
	if port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}

// parseSize parses a size string like "256MB" or "1GB".
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}

	// Longest suffix first, so "MB" is not read as "B".
	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			var num int64
			if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil || num < 0 {
				return 0, fmt.Errorf("invalid size format: %s", s)
			}
			return num * m.mult, nil
		}
	}

	var num int64
	if _, err := fmt.Sscanf(s, "%d", &num); err != nil || num < 0 {
		return 0, fmt.Errorf("invalid size format: %s", s)
	}
	return num, nil
}
