package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/KilimcininKorOglu/raftnode/internal/logging"
	"github.com/KilimcininKorOglu/raftnode/internal/logstore"
)

// Mailbox sizes.
const (
	localQueueSize  = 64
	serverQueueSize = 256
	recvQueueSize   = 4096
	reportQueueSize = 256
)

// BootstrapMode selects how a node obtains its initial membership.
type BootstrapMode int

const (
	// BootstrapStatic forms a cluster from a fixed member list known to
	// every node.
	BootstrapStatic BootstrapMode = iota
	// BootstrapJoin starts a node that was admitted by a running cluster.
	BootstrapJoin
)

// Bootstrap describes the initial membership of a node. It only takes
// effect when the log is empty; a restarted node recovers its membership
// from storage.
type Bootstrap struct {
	Mode BootstrapMode
	// Peers is the full member list for BootstrapStatic, or the committed
	// view returned by JoinCluster for BootstrapJoin. A joined node must pass
	// that view again on every restart until its log holds the membership.
	Peers []Peer
}

type pendingProposal struct {
	reply    func(ResponseResult, []byte)
	deadline time.Time
}

type pendingConfChange struct {
	reply    func(ConfChangeResult)
	deadline time.Time
}

// Node drives one Raft group member. All node state is owned by the
// goroutine running Run; every other goroutine talks to it through the
// mailbox, either with the convenience methods or HandleServer.
type Node[E LogEntry, S StateMachine[E]] struct {
	id        uint64
	config    Config
	fsm       S
	decode    DecodeFunc[E]
	transport Transport
	store     *logstore.Store
	rn        *etcdraft.RawNode
	peers     *Peers
	logger    logging.Logger

	localCh  chan localMsg
	serverCh chan serverMsg
	recvCh   chan raftpb.Message
	reportCh chan peerReport
	readyCh  chan uint64
	done     chan struct{} // closed when the loop stops accepting work
	stopped  chan struct{} // closed once cleanup has finished
	life     lifecycle

	// Owned by the loop.
	routes       map[uint64]string
	senders      map[uint64]*peerSender
	confState    raftpb.ConfState
	applied      uint64
	seq          uint64
	proposals    map[uint64]*pendingProposal
	confChanges  map[uint64]*pendingConfChange
	joins        map[string]*pendingJoin
	allocatedMax uint64
	boot         *bootstrapState
	lastSnapshot time.Time
	leaderID     uint64
	removed      bool
	quitResp     chan LocalResponse
}

// NewNode opens the log in cfg.LogDir, restores the state machine from the
// latest snapshot and prepares the node. Call Run to start it.
func NewNode[E LogEntry, S StateMachine[E]](cfg Config, fsm S, decode DecodeFunc[E], transport Transport, boot Bootstrap, logger logging.Logger) (*Node[E, S], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if decode == nil || transport == nil {
		return nil, fmt.Errorf("%w: decoder and transport required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithFields("node_id", cfg.ID)

	store, err := logstore.Open(logstore.Options{
		Dir:               cfg.LogDir,
		SaveCompactedLogs: cfg.SaveCompactedLogs,
		CompactedLogDir:   cfg.CompactedLogDir,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	n := &Node[E, S]{
		id:          cfg.ID,
		config:      cfg,
		fsm:         fsm,
		decode:      decode,
		transport:   transport,
		store:       store,
		peers:       NewPeers(),
		logger:      logger,
		localCh:     make(chan localMsg, localQueueSize),
		serverCh:    make(chan serverMsg, serverQueueSize),
		recvCh:      make(chan raftpb.Message, recvQueueSize),
		reportCh:    make(chan peerReport, reportQueueSize),
		readyCh:     make(chan uint64, serverQueueSize),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		routes:      make(map[uint64]string),
		senders:     make(map[uint64]*peerSender),
		proposals:   make(map[uint64]*pendingProposal),
		confChanges: make(map[uint64]*pendingConfChange),
		joins:       make(map[string]*pendingJoin),
		// Sequence numbers start at the boot time so entries replayed from
		// an earlier run never match a pending request of this one.
		seq:          uint64(time.Now().UnixNano()),
		lastSnapshot: time.Now(),
	}

	if err := n.init(boot); err != nil {
		store.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node[E, S]) init(boot Bootstrap) error {
	hs, cs, err := n.store.InitialState()
	if err != nil {
		return err
	}
	n.confState = cs

	snap, err := n.store.Snapshot()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRestore, err)
	}
	if !etcdraft.IsEmptySnap(snap) {
		peers, data, err := decodeSnapshot(snap.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRestore, err)
		}
		if err := n.fsm.Restore(data); err != nil {
			return fmt.Errorf("%w: %v", ErrRestore, err)
		}
		n.peers.Restore(snap.Metadata.Index, peers)
		n.applied = snap.Metadata.Index
		n.logger.Info("restored snapshot", "index", snap.Metadata.Index, "term", snap.Metadata.Term)
	}

	rn, err := etcdraft.NewRawNode(&etcdraft.Config{
		ID:                n.id,
		ElectionTick:      n.config.ElectionTick,
		HeartbeatTick:     n.config.HeartbeatTick,
		Storage:           n.store,
		Applied:           n.applied,
		MaxSizePerMsg:     n.config.MaxSizePerMsg,
		MaxInflightMsgs:   n.config.MaxInflightMsgs,
		CheckQuorum:       true,
		PreVote:           true,
		StepDownOnRemoval: true,
		Logger:            logging.Entry(n.logger),
	})
	if err != nil {
		return err
	}
	n.rn = rn

	last, err := n.store.LastIndex()
	if err != nil {
		return err
	}
	fresh := last == 0 && etcdraft.IsEmptyHardState(hs)

	for _, p := range boot.Peers {
		if p.ID != 0 && p.Addr != "" {
			n.routes[p.ID] = p.Addr
		}
	}

	if !fresh {
		n.logger.Info("restarting node", "last_index", last, "term", hs.Term, "commit", hs.Commit)
		return nil
	}

	switch boot.Mode {
	case BootstrapStatic:
		members := boot.Peers
		if len(members) == 0 {
			members = []Peer{{ID: n.id, Addr: n.config.Addr}}
		}
		return n.bootstrapStatic(members)
	case BootstrapJoin:
		if !n.hasRemoteRoute() {
			return fmt.Errorf("%w: joined node %d has an empty log and no peer addresses", ErrInvalidConfig, n.id)
		}
		n.peers.Seed(boot.Peers)
		n.logger.Info("starting joined node", "peers", len(boot.Peers))
		return nil
	default:
		return fmt.Errorf("%w: unknown bootstrap mode %d", ErrInvalidConfig, boot.Mode)
	}
}

// hasRemoteRoute reports whether any peer other than this node has a known
// address.
func (n *Node[E, S]) hasRemoteRoute() bool {
	for id := range n.routes {
		if id != n.id {
			return true
		}
	}
	return false
}

// ID returns the node's ID.
func (n *Node[E, S]) ID() uint64 {
	return n.id
}

// Addr returns the address peers use to reach the node.
func (n *Node[E, S]) Addr() string {
	return n.config.Addr
}

// Lifecycle returns the lifecycle state of the node loop.
func (n *Node[E, S]) Lifecycle() int32 {
	return n.life.load()
}

// Done is closed once the node has stopped and released its storage.
func (n *Node[E, S]) Done() <-chan struct{} {
	return n.stopped
}

// Run runs the node loop until Quit, cancellation of ctx, removal of the
// node from the cluster, or a durability failure, which is returned.
func (n *Node[E, S]) Run(ctx context.Context) (err error) {
	if !n.life.advance(StateRunning) {
		return ErrStopped
	}
	defer func() { n.shutdown(err) }()

	n.logger.Info("node started", "addr", n.config.Addr, "applied", n.applied)
	n.startBootstrap()

	ticker := time.NewTicker(n.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("context cancelled, stopping node")
			return nil
		case <-ticker.C:
			n.tick()
		case m := <-n.recvCh:
			n.step(m)
		case id := <-n.readyCh:
			n.onMemberReady(id)
		case r := <-n.reportCh:
			n.onReport(r)
		case msg := <-n.serverCh:
			n.handleServer(msg)
		case msg := <-n.localCh:
			if n.handleLocal(msg) {
				return nil
			}
		}

		if err := n.processReady(); err != nil {
			n.logger.Error("durability failure, stopping node", "error", err.Error())
			return err
		}
		if n.removed {
			n.logger.Info("node removed from cluster, stopping")
			return nil
		}
	}
}

func (n *Node[E, S]) shutdown(runErr error) {
	n.life.advance(StateStopping)
	close(n.done)

	n.failPending(ErrStopped)
	for id, s := range n.senders {
		s.close()
		delete(n.senders, id)
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("failed to close log store", "error", err.Error())
	}

	n.life.advance(StateStopped)
	if runErr != nil {
		n.logger.Error("node stopped", "error", runErr.Error())
	} else {
		n.logger.Info("node stopped")
	}
	close(n.stopped)

	if n.quitResp != nil {
		n.quitResp <- QuitResponse{}
	}
}

func (n *Node[E, S]) tick() {
	n.rn.Tick()
	n.tickBootstrap()

	now := time.Now()
	n.expirePending(now)
	n.maybeSnapshot(now)
}

func (n *Node[E, S]) step(m raftpb.Message) {
	n.logMessage("recv", m)
	if err := n.rn.Step(m); err != nil {
		n.logger.Debug("dropped message", "type", m.Type.String(), "from", m.From, "error", err.Error())
	}
}

func (n *Node[E, S]) onReport(r peerReport) {
	if r.failed {
		n.rn.ReportUnreachable(r.id)
	}
	if r.snapshot {
		status := etcdraft.SnapshotFinish
		if r.failed {
			status = etcdraft.SnapshotFailure
		}
		n.rn.ReportSnapshot(r.id, status)
	}
}

// processReady persists, sends and applies everything the algorithm has
// produced. Errors are durability failures and stop the node.
func (n *Node[E, S]) processReady() error {
	for n.rn.HasReady() {
		rd := n.rn.Ready()

		if rd.SoftState != nil && rd.SoftState.Lead != n.leaderID {
			n.logger.Info("leader changed", "leader", rd.SoftState.Lead, "state", rd.SoftState.RaftState.String())
			n.leaderID = rd.SoftState.Lead
		}

		restore := false
		if !etcdraft.IsEmptySnap(rd.Snapshot) {
			if err := n.store.ApplySnapshot(rd.Snapshot); err != nil {
				if !errors.Is(err, etcdraft.ErrSnapOutOfDate) {
					return fmt.Errorf("apply snapshot: %w", err)
				}
				n.logger.Warn("ignoring stale snapshot", "kind", KindRestore.String(), "index", rd.Snapshot.Metadata.Index)
			} else {
				restore = true
			}
		}
		if err := n.store.Append(rd.Entries); err != nil {
			return fmt.Errorf("append entries: %w", err)
		}
		if !etcdraft.IsEmptyHardState(rd.HardState) {
			if err := n.store.SetHardState(rd.HardState); err != nil {
				return fmt.Errorf("persist hard state: %w", err)
			}
		}

		n.send(rd.Messages)

		if restore {
			n.restoreSnapshot(rd.Snapshot)
		}
		if err := n.applyEntries(rd.CommittedEntries); err != nil {
			return err
		}

		n.rn.Advance(rd)
		if n.removed {
			return nil
		}
	}
	return nil
}

func (n *Node[E, S]) send(msgs []raftpb.Message) {
	for _, m := range msgs {
		if m.To == n.id {
			continue
		}
		n.logMessage("send", m)

		addr := n.addrOf(m.To)
		if addr == "" {
			n.logger.Warn("no address for peer", "peer", m.To, "type", m.Type.String())
			n.unreachable(m)
			continue
		}

		s := n.senders[m.To]
		if s == nil || s.addr != addr {
			if s != nil {
				s.close()
			}
			s = newPeerSender(m.To, addr, n.transport, n.config.MessageTimeout, n.reportCh, n.logger)
			n.senders[m.To] = s
		}
		if !s.enqueue(m) {
			n.logger.Debug("sender queue full", "peer", m.To)
			n.unreachable(m)
		}
	}
}

func (n *Node[E, S]) unreachable(m raftpb.Message) {
	n.rn.ReportUnreachable(m.To)
	if m.Type == raftpb.MsgSnap {
		n.rn.ReportSnapshot(m.To, etcdraft.SnapshotFailure)
	}
}

// restoreSnapshot installs a snapshot received from the leader.
func (n *Node[E, S]) restoreSnapshot(snap raftpb.Snapshot) {
	meta := snap.Metadata
	if meta.Index <= n.applied {
		n.logger.Warn("snapshot not newer than applied state", "kind", KindRestore.String(), "index", meta.Index, "applied", n.applied)
		return
	}

	peers, data, err := decodeSnapshot(snap.Data)
	if err != nil {
		n.logger.Error("failed to decode snapshot", "kind", KindRestore.String(), "error", err.Error())
		return
	}
	if err := n.fsm.Restore(data); err != nil {
		n.logger.Error("failed to restore state machine", "kind", KindRestore.String(), "error", err.Error())
		return
	}

	n.peers.Restore(meta.Index, peers)
	n.confState = meta.ConfState
	n.applied = meta.Index
	n.syncSenders()
	n.logger.Info("installed snapshot", "index", meta.Index, "term", meta.Term, "peers", len(peers))
}

func (n *Node[E, S]) applyEntries(ents []raftpb.Entry) error {
	for _, e := range ents {
		if e.Index <= n.applied {
			continue
		}

		switch e.Type {
		case raftpb.EntryNormal:
			n.applyNormal(e)
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(e.Data); err != nil {
				n.logger.Error("failed to decode conf change", "kind", KindDecoding.String(), "index", e.Index, "error", err.Error())
				break
			}
			if err := n.applyConfChange(e.Index, cc.AsV2()); err != nil {
				return err
			}
		case raftpb.EntryConfChangeV2:
			var cc raftpb.ConfChangeV2
			if err := cc.Unmarshal(e.Data); err != nil {
				n.logger.Error("failed to decode conf change", "kind", KindDecoding.String(), "index", e.Index, "error", err.Error())
				break
			}
			if err := n.applyConfChange(e.Index, cc); err != nil {
				return err
			}
		}

		n.applied = e.Index
		if n.removed {
			break
		}
	}
	return nil
}

func (n *Node[E, S]) applyNormal(e raftpb.Entry) {
	// The leader appends an empty entry on election.
	if len(e.Data) == 0 {
		return
	}

	p, err := decodeProposal(e.Data)
	if err != nil {
		n.logger.Error("failed to decode proposal", "kind", KindDecoding.String(), "index", e.Index, "error", err.Error())
		return
	}

	reply := func(ResponseResult, []byte) {}
	if p.Origin == n.id {
		if pending, ok := n.proposals[p.Seq]; ok {
			reply = pending.reply
			delete(n.proposals, p.Seq)
		}
	}

	entry, err := n.decode(p.Data)
	if err != nil {
		n.logger.Error("failed to decode entry", "kind", KindDecoding.String(), "index", e.Index, "error", err.Error())
		reply(Failure(fmt.Errorf("%w: %v", ErrDecoding, err)), nil)
		return
	}

	result, err := n.fsm.Apply(entry)
	if err != nil {
		n.logger.Error("failed to apply entry", "kind", KindApply.String(), "index", e.Index, "error", err.Error())
		reply(Failure(fmt.Errorf("%w: %v", ErrApply, err)), nil)
		return
	}
	reply(Success(), result)
}

func (n *Node[E, S]) applyConfChange(index uint64, cc raftpb.ConfChangeV2) error {
	ctx, err := decodeConfContext(cc.Context)
	if err != nil {
		n.logger.Warn("failed to decode conf change context", "kind", KindDecoding.String(), "index", index, "error", err.Error())
		ctx = &confContext{}
	}

	changes := make([]PeerChange, len(cc.Changes))
	for i, c := range cc.Changes {
		changes[i] = PeerChange{Type: c.Type, NodeID: c.NodeID}
		if i < len(ctx.Addrs) {
			changes[i].Addr = ctx.Addrs[i]
		}
	}

	n.peers.Apply(index, changes...)
	cs := n.rn.ApplyConfChange(cc)
	n.confState = *cs
	if err := n.store.SetConfState(*cs); err != nil {
		return fmt.Errorf("persist conf state: %w", err)
	}

	removedSelf := false
	for _, c := range changes {
		switch c.Type {
		case raftpb.ConfChangeRemoveNode:
			delete(n.routes, c.NodeID)
			if c.NodeID == n.id {
				removedSelf = true
			}
			n.logger.Info("peer removed", "peer", c.NodeID, "index", index)
		case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
			n.logger.Info("peer added", "peer", c.NodeID, "addr", c.Addr, "learner", c.Type == raftpb.ConfChangeAddLearnerNode, "index", index)
			n.completeJoin(c)
		}
	}
	n.syncSenders()

	if ctx.Origin == n.id {
		if pending, ok := n.confChanges[ctx.Seq]; ok {
			delete(n.confChanges, ctx.Seq)
			pending.reply(n.confChangeResult(changes))
		}
	}

	if removedSelf {
		n.removed = true
	}
	return nil
}

func (n *Node[E, S]) confChangeResult(changes []PeerChange) ConfChangeResult {
	for _, c := range changes {
		if c.Type == raftpb.ConfChangeRemoveNode {
			return ConfChangeResult{Kind: ConfChangeRemoveSuccess, Peers: n.peers.Snapshot()}
		}
	}
	result := ConfChangeResult{Kind: ConfChangeJoinSuccess, Peers: n.peers.Snapshot()}
	if len(changes) > 0 {
		result.AssignedID = changes[0].NodeID
	}
	return result
}

// syncSenders stops senders for peers that are no longer reachable members.
func (n *Node[E, S]) syncSenders() {
	for id, s := range n.senders {
		if n.addrOf(id) == "" {
			s.close()
			delete(n.senders, id)
		}
	}
}

func (n *Node[E, S]) addrOf(id uint64) string {
	if p, ok := n.peers.Get(id); ok && p.Addr != "" {
		return p.Addr
	}
	return n.routes[id]
}

func (n *Node[E, S]) isLeader() bool {
	return n.rn.BasicStatus().RaftState == etcdraft.StateLeader
}

func (n *Node[E, S]) leaderHint() (uint64, string) {
	lead := n.rn.BasicStatus().Lead
	if lead == 0 {
		return 0, ""
	}
	return lead, n.addrOf(lead)
}

func (n *Node[E, S]) nextSeq() uint64 {
	n.seq++
	return n.seq
}

func (n *Node[E, S]) propose(data []byte, reply func(ResponseResult, []byte)) {
	if !n.isLeader() {
		reply(WrongLeader(n.leaderHint()), nil)
		return
	}

	seq := n.nextSeq()
	enc, err := (&proposal{Origin: n.id, Seq: seq, Data: data}).encode()
	if err != nil {
		reply(Failure(fmt.Errorf("%w: %v", ErrEncoding, err)), nil)
		return
	}
	if err := n.rn.Propose(enc); err != nil {
		reply(Failure(err), nil)
		return
	}
	n.proposals[seq] = &pendingProposal{reply: reply, deadline: time.Now().Add(n.config.ProposalTimeout)}
}

func (n *Node[E, S]) proposeConfChange(changes []PeerChange, reply func(ConfChangeResult)) {
	if !n.isLeader() {
		lead, addr := n.leaderHint()
		reply(ConfChangeResult{Kind: ConfChangeWrongLeader, LeaderID: lead, LeaderAddr: addr})
		return
	}
	if err := n.validateChanges(changes); err != nil {
		reply(confChangeFailure(err))
		return
	}

	seq := n.nextSeq()
	cc, err := buildConfChange(n.id, seq, changes)
	if err != nil {
		reply(confChangeFailure(fmt.Errorf("%w: %v", ErrEncoding, err)))
		return
	}
	if err := n.rn.ProposeConfChange(cc); err != nil {
		reply(confChangeFailure(err))
		return
	}
	n.confChanges[seq] = &pendingConfChange{reply: reply, deadline: time.Now().Add(n.config.ProposalTimeout)}
}

// validateChanges rejects changes the algorithm cannot apply.
func (n *Node[E, S]) validateChanges(changes []PeerChange) error {
	if len(changes) == 0 {
		return fmt.Errorf("%w: no changes", ErrWrongArgument)
	}
	voters := make(map[uint64]bool)
	for _, p := range n.peers.Snapshot() {
		if p.Role == RoleVoter {
			voters[p.ID] = true
		}
	}
	for _, c := range changes {
		if c.NodeID == 0 {
			return fmt.Errorf("%w: node id must be non-zero", ErrWrongArgument)
		}
		switch c.Type {
		case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
			if _, ok := n.peers.Get(c.NodeID); !ok && c.Addr == "" {
				return fmt.Errorf("%w: address required for new peer %d", ErrWrongArgument, c.NodeID)
			}
			if c.Type == raftpb.ConfChangeAddNode {
				voters[c.NodeID] = true
			} else {
				delete(voters, c.NodeID)
			}
		case raftpb.ConfChangeRemoveNode:
			delete(voters, c.NodeID)
		default:
			return fmt.Errorf("%w: unsupported change type %s", ErrWrongArgument, c.Type)
		}
	}
	if len(voters) == 0 {
		return fmt.Errorf("%w: change would remove every voter", ErrWrongArgument)
	}
	return nil
}

func buildConfChange(origin, seq uint64, changes []PeerChange) (raftpb.ConfChangeV2, error) {
	ctx := &confContext{Origin: origin, Seq: seq, Addrs: make([]string, len(changes))}
	cc := raftpb.ConfChangeV2{Changes: make([]raftpb.ConfChangeSingle, len(changes))}
	for i, c := range changes {
		cc.Changes[i] = raftpb.ConfChangeSingle{Type: c.Type, NodeID: c.NodeID}
		ctx.Addrs[i] = c.Addr
	}
	data, err := ctx.encode()
	if err != nil {
		return raftpb.ConfChangeV2{}, err
	}
	cc.Context = data
	return cc, nil
}

func (n *Node[E, S]) expirePending(now time.Time) {
	for seq, p := range n.proposals {
		if now.After(p.deadline) {
			delete(n.proposals, seq)
			p.reply(Failure(ErrTimeout), nil)
		}
	}
	for seq, p := range n.confChanges {
		if now.After(p.deadline) {
			delete(n.confChanges, seq)
			p.reply(confChangeFailure(ErrTimeout))
		}
	}
	n.expireJoins(now)
}

func (n *Node[E, S]) failPending(err error) {
	for seq, p := range n.proposals {
		delete(n.proposals, seq)
		p.reply(Failure(err), nil)
	}
	for seq, p := range n.confChanges {
		delete(n.confChanges, seq)
		p.reply(confChangeFailure(err))
	}
	for addr, j := range n.joins {
		delete(n.joins, addr)
		j.respond(&RequestIDResponse{Result: Failure(err)})
	}
}

// snapshot persists a snapshot at the applied index and compacts the log
// up to it.
func (n *Node[E, S]) snapshot() (uint64, error) {
	meta := n.store.SnapshotMeta()
	if n.applied <= meta.Index {
		return meta.Index, nil
	}

	data, err := n.fsm.Snapshot()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshot, err)
	}
	env, err := encodeSnapshot(n.peers.Snapshot(), data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshot, err)
	}

	cs := n.confState
	snap, err := n.store.CreateSnapshot(n.applied, &cs, env)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshot, err)
	}
	n.lastSnapshot = time.Now()

	if err := n.store.Compact(snap.Metadata.Index); err != nil {
		n.logger.Warn("failed to compact log", "index", snap.Metadata.Index, "error", err.Error())
	}
	n.logger.Info("created snapshot", "index", snap.Metadata.Index, "term", snap.Metadata.Term, "size", len(env))
	return snap.Metadata.Index, nil
}

func (n *Node[E, S]) maybeSnapshot(now time.Time) {
	due := n.store.LogSize() > n.config.CompactedLogSizeThreshold
	if n.config.SnapshotInterval > 0 && now.Sub(n.lastSnapshot) >= n.config.SnapshotInterval {
		due = true
	}
	if !due {
		return
	}
	if _, err := n.snapshot(); err != nil {
		// Skip this cycle; the next trigger retries.
		n.lastSnapshot = now
		n.logger.Error("snapshot failed", "kind", KindSnapshot.String(), "error", err.Error())
	}
}

func (n *Node[E, S]) debugInfo() DebugInfo {
	st := n.rn.BasicStatus()
	first, _ := n.store.FirstIndex()
	last, _ := n.store.LastIndex()
	meta := n.store.SnapshotMeta()
	return DebugInfo{
		ID:            n.id,
		Addr:          n.config.Addr,
		Lifecycle:     StateString(n.life.load()),
		RaftState:     st.RaftState.String(),
		Term:          st.Term,
		Vote:          st.Vote,
		Commit:        st.Commit,
		Applied:       n.applied,
		LeaderID:      st.Lead,
		FirstIndex:    first,
		LastIndex:     last,
		SnapshotIndex: meta.Index,
		SnapshotTerm:  meta.Term,
		LogSize:       n.store.LogSize(),
		Peers:         n.peers.Snapshot(),
	}
}

func (n *Node[E, S]) logMessage(dir string, m raftpb.Message) {
	if n.config.OmitHeartbeatLog && (m.Type == raftpb.MsgHeartbeat || m.Type == raftpb.MsgHeartbeatResp) {
		return
	}
	n.logger.Debug("raft message",
		"dir", dir,
		"type", m.Type.String(),
		"from", m.From,
		"to", m.To,
		"term", m.Term,
		"index", m.Index,
		"entries", len(m.Entries),
	)
}

func (n *Node[E, S]) handleLocal(msg localMsg) (quit bool) {
	switch cmd := msg.cmd.(type) {
	case isLeaderCmd:
		msg.resp <- IsLeaderResponse{IsLeader: n.isLeader()}
	case getIDCmd:
		msg.resp <- GetIDResponse{ID: n.id}
	case getLeaderIDCmd:
		lead, _ := n.leaderHint()
		msg.resp <- GetLeaderIDResponse{LeaderID: lead}
	case getPeersCmd:
		msg.resp <- GetPeersResponse{Peers: n.peers.Snapshot()}
	case addPeerCmd:
		n.routes[cmd.peer.ID] = cmd.peer.Addr
		msg.resp <- AddPeerResponse{}
	case storeCmd:
		msg.resp <- StoreResponse[S]{Store: n.fsm}
	case storageCmd:
		msg.resp <- StorageResponse{Storage: n.store}
	case getClusterSizeCmd:
		msg.resp <- GetClusterSizeResponse{Size: n.peers.Len()}
	case configChangeCmd:
		n.proposeConfChange(cmd.changes, func(r ConfChangeResult) {
			msg.resp <- LocalConfigChangeResponse{Result: r}
		})
	case quitCmd:
		n.logger.Info("quit requested")
		n.quitResp = msg.resp
		return true
	case makeSnapshotCmd:
		index, err := n.snapshot()
		if err != nil {
			n.logger.Error("snapshot failed", "kind", KindSnapshot.String(), "error", err.Error())
			msg.resp <- MakeSnapshotResponse{Result: Failure(err)}
			break
		}
		msg.resp <- MakeSnapshotResponse{Result: Success(), Index: index}
	case proposeCmd:
		n.propose(cmd.data, func(r ResponseResult, data []byte) {
			msg.resp <- LocalProposeResponse{Result: r, Data: data}
		})
	case debugNodeCmd:
		msg.resp <- LocalDebugNodeResponse{Info: n.debugInfo()}
	}
	return false
}

func (n *Node[E, S]) handleServer(msg serverMsg) {
	switch req := msg.req.(type) {
	case *RaftMessageRequest:
		var m raftpb.Message
		if err := m.Unmarshal(req.Data); err != nil {
			msg.resp <- &RaftMessageResponse{Result: Failure(fmt.Errorf("%w: %v", ErrDecoding, err))}
			return
		}
		n.step(m)
		msg.resp <- &RaftMessageResponse{Result: Success()}
	case *MemberBootstrapReadyRequest:
		n.onMemberReady(req.NodeID)
		msg.resp <- &MemberBootstrapReadyResponse{Result: Success()}
	case *ClusterBootstrapReadyRequest:
		n.onClusterReady(req.NodeID)
		msg.resp <- &ClusterBootstrapReadyResponse{Result: Success()}
	case *ProposeRequest:
		n.propose(req.Data, func(r ResponseResult, data []byte) {
			msg.resp <- &ProposeResponse{Result: r, Data: data}
		})
	case *ConfigChangeRequest:
		n.proposeConfChange(req.Changes, func(r ConfChangeResult) {
			msg.resp <- &ConfigChangeResponse{Result: r}
		})
	case *RequestIDRequest:
		n.handleRequestID(req.Addr, msg.resp)
	case *ReportUnreachableRequest:
		n.rn.ReportUnreachable(req.NodeID)
		msg.resp <- &ReportUnreachableResponse{Result: Success()}
	case *DebugNodeRequest:
		msg.resp <- &DebugNodeResponse{Result: Success(), Info: n.debugInfo()}
	default:
		msg.resp <- &RaftMessageResponse{Result: Failure(fmt.Errorf("%w: unknown request %T", ErrWrongArgument, req))}
	}
}

// HandleServer implements Handler. Consensus messages are queued without
// waiting for the loop; other requests wait for their response.
func (n *Node[E, S]) HandleServer(ctx context.Context, req ServerRequest) (ServerResponse, error) {
	if rm, ok := req.(*RaftMessageRequest); ok {
		var m raftpb.Message
		if err := m.Unmarshal(rm.Data); err != nil {
			return &RaftMessageResponse{Result: Failure(fmt.Errorf("%w: %v", ErrDecoding, err))}, nil
		}
		select {
		case n.recvCh <- m:
			return &RaftMessageResponse{Result: Success()}, nil
		case <-n.done:
			return nil, ErrStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	resp := make(chan ServerResponse, 1)
	select {
	case n.serverCh <- serverMsg{req: req, resp: resp}:
	case <-n.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return awaitResponse(ctx, resp, n.done)
}

func (n *Node[E, S]) call(ctx context.Context, cmd localCommand) (LocalResponse, error) {
	resp := make(chan LocalResponse, 1)
	select {
	case n.localCh <- localMsg{cmd: cmd, resp: resp}:
	case <-n.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return awaitResponse(ctx, resp, n.done)
}

func awaitResponse[R any](ctx context.Context, resp chan R, done <-chan struct{}) (R, error) {
	var zero R
	select {
	case r := <-resp:
		return r, nil
	case <-done:
		// The loop may have answered before stopping.
		select {
		case r := <-resp:
			return r, nil
		default:
			return zero, ErrStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// IsLeader reports whether the node currently leads.
func (n *Node[E, S]) IsLeader(ctx context.Context) (bool, error) {
	r, err := n.call(ctx, isLeaderCmd{})
	if err != nil {
		return false, err
	}
	return r.(IsLeaderResponse).IsLeader, nil
}

// GetID returns the node id as seen by the loop, which also proves the
// loop is alive.
func (n *Node[E, S]) GetID(ctx context.Context) (uint64, error) {
	r, err := n.call(ctx, getIDCmd{})
	if err != nil {
		return 0, err
	}
	return r.(GetIDResponse).ID, nil
}

// LeaderID returns the known leader, 0 when unknown.
func (n *Node[E, S]) LeaderID(ctx context.Context) (uint64, error) {
	r, err := n.call(ctx, getLeaderIDCmd{})
	if err != nil {
		return 0, err
	}
	return r.(GetLeaderIDResponse).LeaderID, nil
}

// Peers returns the committed membership ordered by id.
func (n *Node[E, S]) Peers(ctx context.Context) ([]Peer, error) {
	r, err := n.call(ctx, getPeersCmd{})
	if err != nil {
		return nil, err
	}
	return r.(GetPeersResponse).Peers, nil
}

// AddPeer adds a transport route to a peer. Membership is unchanged; use
// ChangeConfig for that.
func (n *Node[E, S]) AddPeer(ctx context.Context, id uint64, addr string) error {
	if id == 0 || addr == "" {
		return fmt.Errorf("%w: peer id and address required", ErrWrongArgument)
	}
	_, err := n.call(ctx, addPeerCmd{peer: Peer{ID: id, Addr: addr}})
	return err
}

// Store returns the state machine.
func (n *Node[E, S]) Store(ctx context.Context) (S, error) {
	r, err := n.call(ctx, storeCmd{})
	if err != nil {
		var zero S
		return zero, err
	}
	return r.(StoreResponse[S]).Store, nil
}

// Storage returns the log store.
func (n *Node[E, S]) Storage(ctx context.Context) (*logstore.Store, error) {
	r, err := n.call(ctx, storageCmd{})
	if err != nil {
		return nil, err
	}
	return r.(StorageResponse).Storage, nil
}

// ClusterSize returns the number of committed members.
func (n *Node[E, S]) ClusterSize(ctx context.Context) (int, error) {
	r, err := n.call(ctx, getClusterSizeCmd{})
	if err != nil {
		return 0, err
	}
	return r.(GetClusterSizeResponse).Size, nil
}

// ChangeConfig proposes membership changes and waits until they commit.
// Only the leader accepts changes.
func (n *Node[E, S]) ChangeConfig(ctx context.Context, changes ...PeerChange) (ConfChangeResult, error) {
	r, err := n.call(ctx, configChangeCmd{changes: changes})
	if err != nil {
		return ConfChangeResult{}, err
	}
	result := r.(LocalConfigChangeResponse).Result
	return result, result.Err()
}

// Leave removes the node from the cluster. A follower asks the leader to
// remove it; the loop stops once the removal is applied.
func (n *Node[E, S]) Leave(ctx context.Context) error {
	remove := PeerChange{Type: raftpb.ConfChangeRemoveNode, NodeID: n.id}
	_, err := n.ChangeConfig(ctx, remove)
	if err == nil {
		return nil
	}

	var wl *WrongLeaderError
	if !errors.As(err, &wl) {
		return err
	}
	if wl.LeaderAddr == "" {
		return err
	}

	resp, err := n.transport.Call(ctx, wl.LeaderAddr, &ConfigChangeRequest{Changes: []PeerChange{remove}})
	if err != nil {
		return err
	}
	cr, ok := resp.(*ConfigChangeResponse)
	if !ok {
		return fmt.Errorf("%w: unexpected response %T", ErrWrongArgument, resp)
	}
	return cr.Result.Err()
}

// Quit stops the node and waits until its storage is released. Quitting a
// stopped node is a no-op.
func (n *Node[E, S]) Quit(ctx context.Context) error {
	if _, err := n.call(ctx, quitCmd{}); err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	select {
	case <-n.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MakeSnapshot snapshots the state machine at the applied index and
// compacts the log. It returns the snapshot index.
func (n *Node[E, S]) MakeSnapshot(ctx context.Context) (uint64, error) {
	r, err := n.call(ctx, makeSnapshotCmd{})
	if err != nil {
		return 0, err
	}
	resp := r.(MakeSnapshotResponse)
	return resp.Index, resp.Result.Err()
}

// Propose replicates entry and returns the state machine result once it is
// applied on this node. Followers return a *WrongLeaderError.
func (n *Node[E, S]) Propose(ctx context.Context, entry E) ([]byte, error) {
	data, err := entry.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	r, err := n.call(ctx, proposeCmd{data: data})
	if err != nil {
		return nil, err
	}
	resp := r.(LocalProposeResponse)
	return resp.Data, resp.Result.Err()
}

// DebugNode returns a dump of the node state.
func (n *Node[E, S]) DebugNode(ctx context.Context) (DebugInfo, error) {
	r, err := n.call(ctx, debugNodeCmd{})
	if err != nil {
		return DebugInfo{}, err
	}
	return r.(LocalDebugNodeResponse).Info, nil
}

// DebugJSON returns the node state dump as indented JSON.
func (n *Node[E, S]) DebugJSON(ctx context.Context) ([]byte, error) {
	info, err := n.DebugNode(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(info, "", "  ")
}
