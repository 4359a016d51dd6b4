package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
)

// Set at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-01-01"
var (
	version   = "0.1.0"
	commit    = "unknown"
	buildDate = "unknown"
)

// versionCmd handles the version command.
func versionCmd(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	short := fs.Bool("short", false, "Show only version number")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	switch {
	case *help || *helpLong:
		printVersionUsage(os.Stdout)
	case *short:
		fmt.Println(version)
	default:
		printVersion(os.Stdout)
	}
	return 0
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "raftnode %s (commit %s, built %s)\n", version, commit, buildDate)
	fmt.Fprintf(w, "  %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
