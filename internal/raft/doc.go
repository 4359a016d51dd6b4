// Package raft runs a Raft group member on top of go.etcd.io/raft/v3.
//
// The consensus algorithm itself is etcd's RawNode. This package supplies
// everything around it: durable storage (internal/logstore), a peer
// registry, message transport, request routing and cluster formation.
//
// # Overview
//
// A Node owns one RawNode and is driven by a single goroutine (Run). Every
// interaction goes through the node's mailbox:
//   - local commands from the convenience API (Propose, ChangeConfig, Peers, ...)
//   - server requests from peers (HandleServer), including consensus messages
//   - ticks and transport reports
//
// The application plugs in a state machine and a log entry type:
//
//	type StateMachine[E LogEntry] interface {
//	    Apply(entry E) ([]byte, error)
//	    Snapshot() ([]byte, error)
//	    Restore(data []byte) error
//	}
//
// # Usage
//
// Static cluster, every member knows the full list:
//
//	cfg := raft.DefaultConfig()
//	cfg.ID = 1
//	cfg.Addr = "127.0.0.1:7001"
//	cfg.LogDir = "/var/lib/raftnode/1"
//
//	transport := raft.NewGRPCTransport()
//	node, err := raft.NewNode(cfg, store, kvstore.DecodeEntry, transport,
//	    raft.Bootstrap{Mode: raft.BootstrapStatic, Peers: peers}, logger)
//
//	server := raft.NewGRPCServer(node, logger)
//	go server.Serve(lis)
//	go node.Run(ctx)
//
//	result, err := node.Propose(ctx, entry)
//
// Dynamic join through any running member:
//
//	joined, err := raft.JoinCluster(ctx, transport, raft.JoinOptions{
//	    SeedAddr: "127.0.0.1:7001",
//	    Addr:     "127.0.0.1:7004",
//	})
//	cfg.ID = joined.ID
//	node, err := raft.NewNode(cfg, store, kvstore.DecodeEntry, transport,
//	    raft.Bootstrap{Mode: raft.BootstrapJoin, Peers: joined.Peers}, logger)
//
// # Leadership
//
// Proposals and membership changes are only accepted by the leader. On a
// follower the convenience API returns a *WrongLeaderError carrying the
// leader hint, and server requests answer with a WrongLeader result.
//
// # Snapshots
//
// A snapshot holds the state machine bytes and the peer registry. The node
// takes one on MakeSnapshot, every SnapshotInterval, or when the log grows
// beyond CompactedLogSizeThreshold, then compacts the log up to it.
package raft
