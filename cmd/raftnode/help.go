package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage information to the given writer.
func printUsage(w io.Writer) {
	fmt.Fprint(w, `raftnode - Raft replicated key-value node

Usage:
  raftnode <command> [options]

Commands:
  serve       Start a cluster member
  config      Configuration management
  version     Show version information

Use "raftnode <command> -h" for more information about a command.
`)
}

// printServeUsage prints the serve command usage.
func printServeUsage(w io.Writer) {
	fmt.Fprint(w, `Start a cluster member

Usage:
  raftnode serve [options]

Options:
  -config string
        Path to configuration file
  -id uint
        Node id (overrides config)
  -address string
        Peer listen address (overrides config)
  -log-dir string
        Log directory (overrides config)
  -join string
        Address of a running member; implies dynamic bootstrap
  -log-level string
        Log level: debug, info, warn, error (overrides config)
  -h, -help
        Show this help message

Environment Variables:
  RAFTNODE_NODE_ID          Override node id
  RAFTNODE_NODE_ADDRESS     Override peer listen address
  RAFTNODE_STORAGE_LOG_DIR  Override log directory
  RAFTNODE_LOGGING_LEVEL    Override log level
`)
}

// printConfigUsage prints the config command usage.
func printConfigUsage(w io.Writer) {
	fmt.Fprint(w, `Configuration management

Usage:
  raftnode config <subcommand> [options]

Subcommands:
  validate    Validate a configuration file
  show        Print the effective configuration

Options:
  -config string
        Path to configuration file
  -h, -help
        Show this help message
`)
}

// printVersionUsage prints the version command usage.
func printVersionUsage(w io.Writer) {
	fmt.Fprint(w, `Show version information

Usage:
  raftnode version [options]

Options:
  -short
        Show only version number
  -h, -help
        Show this help message
`)
}
