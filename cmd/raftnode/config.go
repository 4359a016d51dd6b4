package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/KilimcininKorOglu/raftnode/internal/config"
)

// configCmd handles the config command.
func configCmd(args []string) int {
	if len(args) == 0 {
		printConfigUsage(os.Stdout)
		return 0
	}

	switch args[0] {
	case "-h", "--help", "help":
		printConfigUsage(os.Stdout)
		return 0
	case "validate":
		return configValidateCmd(args[1:])
	case "show":
		return configShowCmd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "Run 'raftnode config help' for usage.")
		return 1
	}
}

// configValidateCmd handles the config validate subcommand.
func configValidateCmd(args []string) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printConfigUsage(os.Stdout)
		return 0
	}

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		return 1
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	if !reportValidation(cfg) {
		return 1
	}

	fmt.Println("Configuration is valid")
	return 0
}

// configShowCmd handles the config show subcommand.
func configShowCmd(args []string) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	format := fs.String("format", "yaml", "Output format (yaml, json)")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printConfigUsage(os.Stdout)
		return 0
	}

	cfg, ok := loadConfig(*configFile)
	if !ok {
		return 1
	}
	if err := applyEnvOverrides(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment override: %v\n", err)
		return 1
	}

	switch strings.ToLower(*format) {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to marshal config: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to marshal config: %v\n", err)
			return 1
		}
		fmt.Print(string(data))
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", *format)
		return 1
	}
	return 0
}

// loadConfig loads the file at path, or the defaults when path is empty.
func loadConfig(path string) (*config.Config, bool) {
	if path == "" {
		return config.DefaultConfig(), true
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, false
	}
	return cfg, true
}

// reportValidation prints every validation error and reports whether the
// configuration is usable.
func reportValidation(cfg *config.Config) bool {
	errs := config.ValidateConfig(cfg)
	if len(errs) == 0 {
		return true
	}
	fmt.Fprintln(os.Stderr, "Configuration errors:")
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "  - %s\n", e)
	}
	return false
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Variables follow the pattern RAFTNODE_<SECTION>_<KEY>.
func applyEnvOverrides(cfg *config.Config) error {
	if v := os.Getenv("RAFTNODE_NODE_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RAFTNODE_NODE_ID: %w", err)
		}
		cfg.Node.ID = id
	}
	if v := os.Getenv("RAFTNODE_NODE_ADDRESS"); v != "" {
		cfg.Node.Address = v
	}
	if v := os.Getenv("RAFTNODE_STORAGE_LOG_DIR"); v != "" {
		cfg.Storage.LogDir = v
	}
	if v := os.Getenv("RAFTNODE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}
