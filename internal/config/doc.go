// Package config provides configuration parsing and validation for a Raft node.
//
// # Overview
//
// Configuration is loaded from a YAML file. Values not present in the file
// keep their defaults, and ${VAR} or ${VAR:-default} references are replaced
// with environment variables before parsing.
//
// # Configuration Structure
//
//	type Config struct {
//	    Node      NodeConfig      // Node id and peer address
//	    Raft      RaftConfig      // Ticks, timeouts, replication limits
//	    Storage   StorageConfig   // Log directory and compaction
//	    Bootstrap BootstrapConfig // Static members or join address
//	    Logging   LogConfig       // Level, format, output
//	}
//
// # Example
//
//	node:
//	  id: 1
//	  address: "${RAFT_ADDR:-127.0.0.1:7001}"
//	raft:
//	  tickInterval: 100ms
//	  snapshotInterval: 15s
//	storage:
//	  logDir: /var/lib/raftnode/1
//	  compactedLogSizeThreshold: 1GB
//	bootstrap:
//	  mode: static
//	  peers:
//	    - id: 1
//	      address: 127.0.0.1:7001
//	    - id: 2
//	      address: 127.0.0.1:7002
//	logging:
//	  level: info
//	  format: json
//
// A node joining a running cluster sets mode to dynamic, leaves node.id at 0
// and names any member in joinAddr.
//
// # Validation
//
//	cfg, err := config.LoadConfig(path)
//	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
//	    // each error is a ValidationError naming the field
//	}
package config
