package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/KilimcininKorOglu/raftnode/internal/config"
	"github.com/KilimcininKorOglu/raftnode/internal/kvstore"
	"github.com/KilimcininKorOglu/raftnode/internal/logging"
	"github.com/KilimcininKorOglu/raftnode/internal/raft"
)

type kvNode = raft.Node[*kvstore.Entry, *kvstore.HashStore]

// nodeServer wires one cluster member to its listener and transport.
type nodeServer struct {
	cfg       *config.Config
	logger    logging.Logger
	listener  net.Listener
	transport *raft.GRPCTransport
	server    *raft.GRPCServer
	node      *kvNode
}

// newNodeServer listens on the configured address and resolves the node
// identity, joining the cluster first when bootstrap is dynamic.
func newNodeServer(ctx context.Context, cfg *config.Config, logger logging.Logger) (*nodeServer, error) {
	lis, err := net.Listen("tcp", cfg.Node.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Node.Address, err)
	}

	s := &nodeServer{
		cfg:       cfg,
		logger:    logger,
		listener:  lis,
		transport: raft.NewGRPCTransport(),
	}

	id, boot, err := s.resolveIdentity(ctx)
	if err != nil {
		s.close()
		return nil, err
	}

	nodeCfg, err := cfg.ToNodeConfig(id)
	if err != nil {
		s.close()
		return nil, err
	}

	node, err := raft.NewNode(nodeCfg, kvstore.New(), kvstore.DecodeEntry, s.transport, boot,
		logger.WithFields("node_id", id))
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	s.node = node
	s.server = raft.NewGRPCServer(node, logger)
	return s, nil
}

// resolveIdentity returns the node id and the bootstrap to start with. A
// dynamic node joins once and afterwards restarts from its stored join state.
// Joining with the address of an existing member returns that member's id,
// so a node with a preassigned id recovers its peers the same way.
func (s *nodeServer) resolveIdentity(ctx context.Context) (uint64, raft.Bootstrap, error) {
	if s.cfg.Bootstrap.Mode != config.ModeDynamic {
		return s.cfg.Node.ID, raft.Bootstrap{Mode: raft.BootstrapStatic, Peers: s.cfg.BootstrapPeers()}, nil
	}

	dir := s.cfg.Storage.LogDir
	st, err := readJoinState(dir)
	if err != nil {
		return 0, raft.Bootstrap{}, err
	}
	if st == nil {
		joined, err := raft.JoinCluster(ctx, s.transport, raft.JoinOptions{
			SeedAddr:      s.cfg.Bootstrap.JoinAddr,
			Addr:          s.cfg.Node.Address,
			RetryInterval: s.cfg.Bootstrap.RetryInterval,
			Timeout:       s.cfg.Raft.JoinTimeout,
			Logger:        s.logger,
		})
		if err != nil {
			return 0, raft.Bootstrap{}, err
		}
		st = &joinState{ID: joined.ID, Peers: joined.Peers}
		if err := writeJoinState(dir, st); err != nil {
			return 0, raft.Bootstrap{}, fmt.Errorf("failed to store join state: %w", err)
		}
	} else {
		s.logger.Info("reusing join state", "node_id", st.ID, "peers", len(st.Peers))
	}

	if s.cfg.Node.ID != 0 && s.cfg.Node.ID != st.ID {
		return 0, raft.Bootstrap{}, fmt.Errorf("configured node id %d but the cluster knows %s as %d",
			s.cfg.Node.ID, s.cfg.Node.Address, st.ID)
	}
	return st.ID, raft.Bootstrap{Mode: raft.BootstrapJoin, Peers: st.Peers}, nil
}

// run serves peers and drives the node until ctx is done or the node stops.
func (s *nodeServer) run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(s.listener)
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.node.Run(ctx)
	}()

	var err error
	select {
	case err = <-runErr:
	case err = <-serveErr:
		s.logger.Error("peer server stopped", "error", fmt.Sprint(err))
		if qerr := s.node.Quit(context.Background()); qerr != nil && !errors.Is(qerr, raft.ErrStopped) {
			s.logger.Warn("failed to quit node", "error", qerr.Error())
		}
		<-runErr
	}

	s.server.Stop()
	s.close()
	return err
}

func (s *nodeServer) close() {
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("failed to close transport", "error", err.Error())
	}
	s.listener.Close()
}

// serveCmd handles the serve command.
func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	id := fs.Uint64("id", 0, "Node id (overrides config)")
	address := fs.String("address", "", "Peer listen address (overrides config)")
	logDir := fs.String("log-dir", "", "Log directory (overrides config)")
	join := fs.String("join", "", "Address of a running member; implies dynamic bootstrap")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printServeUsage(os.Stdout)
		return 0
	}

	cfg, ok := loadConfig(*configFile)
	if !ok {
		return 1
	}

	// Command-line flags override the file, environment overrides both.
	if *id != 0 {
		cfg.Node.ID = *id
	}
	if *address != "" {
		cfg.Node.Address = *address
	}
	if *logDir != "" {
		cfg.Storage.LogDir = *logDir
	}
	if *join != "" {
		cfg.Bootstrap.Mode = config.ModeDynamic
		cfg.Bootstrap.JoinAddr = *join
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := applyEnvOverrides(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment override: %v\n", err)
		return 1
	}

	if !reportValidation(cfg) {
		return 1
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newNodeServer(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start node: %v\n", err)
		return 1
	}

	if err := srv.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Node error: %v\n", err)
		return 1
	}
	return 0
}
