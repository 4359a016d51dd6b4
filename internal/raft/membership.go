package raft

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/KilimcininKorOglu/raftnode/internal/logging"
)

// announceTicks is how often, in ticks, a static member repeats its
// readiness announcement until the cluster is formed.
const announceTicks = 5

// bootstrapState tracks the static formation handshake.
type bootstrapState struct {
	members []uint64 // sorted
	ready   map[uint64]bool
	done    bool
	ticks   int
}

func (b *bootstrapState) allReady() bool {
	for _, id := range b.members {
		if !b.ready[id] {
			return false
		}
	}
	return true
}

// bootstrapStatic seeds an empty log with the static membership.
func (n *Node[E, S]) bootstrapStatic(members []Peer) error {
	found := false
	rpeers := make([]etcdraft.Peer, 0, len(members))
	ids := make([]uint64, 0, len(members))
	for _, p := range members {
		if p.ID == 0 || p.Addr == "" {
			return fmt.Errorf("%w: static peer needs id and address", ErrInvalidConfig)
		}
		if p.ID == n.id {
			found = true
		}
		ctx, err := (&confContext{Addrs: []string{p.Addr}}).encode()
		if err != nil {
			return err
		}
		rpeers = append(rpeers, etcdraft.Peer{ID: p.ID, Context: ctx})
		ids = append(ids, p.ID)
		n.routes[p.ID] = p.Addr
	}
	if !found {
		return fmt.Errorf("%w: node %d missing from static peers", ErrInvalidConfig, n.id)
	}

	if err := n.rn.Bootstrap(rpeers); err != nil {
		return err
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	n.boot = &bootstrapState{members: ids, ready: map[uint64]bool{n.id: true}}
	n.logger.Info("bootstrapped static cluster", "members", len(ids))
	return nil
}

func (n *Node[E, S]) startBootstrap() {
	if n.boot == nil {
		return
	}
	n.announceReady()
	n.checkClusterReady()
}

func (n *Node[E, S]) tickBootstrap() {
	b := n.boot
	if b == nil || b.done {
		return
	}
	if n.rn.BasicStatus().Lead != 0 {
		b.done = true
		n.logger.Debug("leader elected, bootstrap handshake finished")
		return
	}
	b.ticks++
	if b.ticks%announceTicks == 0 {
		n.announceReady()
	}
}

// announceReady tells every other static member that this node is running.
// A successful answer proves the peer is running too.
func (n *Node[E, S]) announceReady() {
	for _, id := range n.boot.members {
		if id == n.id || n.boot.ready[id] {
			continue
		}
		addr := n.addrOf(id)
		if addr == "" {
			continue
		}
		go func(id uint64, addr string) {
			ctx, cancel := context.WithTimeout(context.Background(), n.config.MessageTimeout)
			defer cancel()
			resp, err := n.transport.Call(ctx, addr, &MemberBootstrapReadyRequest{NodeID: n.id})
			if err != nil {
				return
			}
			if r, ok := resp.(*MemberBootstrapReadyResponse); ok && r.Result.Kind == ResultSuccess {
				select {
				case n.readyCh <- id:
				case <-n.done:
				}
			}
		}(id, addr)
	}
}

func (n *Node[E, S]) onMemberReady(id uint64) {
	b := n.boot
	if b == nil || b.done {
		return
	}
	if !b.ready[id] {
		b.ready[id] = true
		n.logger.Debug("member ready", "peer", id)
	}
	n.checkClusterReady()
}

// checkClusterReady lets the lowest member campaign once every member is
// running, then tells the others.
func (n *Node[E, S]) checkClusterReady() {
	b := n.boot
	if b == nil || b.done || !b.allReady() || b.members[0] != n.id {
		return
	}
	b.done = true

	if n.rn.BasicStatus().Lead == 0 {
		n.logger.Info("all members ready, campaigning")
		if err := n.rn.Campaign(); err != nil {
			n.logger.Warn("campaign failed", "error", err.Error())
		}
	}

	for _, id := range b.members {
		if id == n.id {
			continue
		}
		addr := n.addrOf(id)
		if addr == "" {
			continue
		}
		go func(addr string) {
			ctx, cancel := context.WithTimeout(context.Background(), n.config.MessageTimeout)
			defer cancel()
			n.transport.Call(ctx, addr, &ClusterBootstrapReadyRequest{NodeID: n.id})
		}(addr)
	}
}

func (n *Node[E, S]) onClusterReady(from uint64) {
	if n.boot == nil || n.boot.done {
		return
	}
	n.boot.done = true
	n.logger.Info("cluster ready", "announced_by", from)
}

// pendingJoin is an id reservation waiting for its AddNode to commit.
type pendingJoin struct {
	id       uint64
	addr     string
	deadline time.Time
	waiters  []chan ServerResponse
}

func (j *pendingJoin) respond(resp *RequestIDResponse) {
	for _, w := range j.waiters {
		w <- resp
	}
	j.waiters = nil
}

// handleRequestID reserves a node id for a joiner at addr and answers once
// the membership change has committed. Requests from the same address share
// one reservation.
func (n *Node[E, S]) handleRequestID(addr string, resp chan ServerResponse) {
	if addr == "" {
		resp <- &RequestIDResponse{Result: Failure(fmt.Errorf("%w: address required", ErrWrongArgument))}
		return
	}
	if !n.isLeader() {
		lead, leadAddr := n.leaderHint()
		resp <- &RequestIDResponse{Result: WrongLeader(lead, leadAddr), LeaderID: lead, LeaderAddr: leadAddr}
		return
	}
	if p, ok := n.peers.ByAddr(addr); ok {
		resp <- &RequestIDResponse{
			Result:     Success(),
			ReservedID: p.ID,
			LeaderID:   n.id,
			LeaderAddr: n.config.Addr,
			Peers:      n.peers.Snapshot(),
		}
		return
	}
	if j, ok := n.joins[addr]; ok {
		j.waiters = append(j.waiters, resp)
		return
	}

	id := n.nextPeerID()
	cc, err := buildConfChange(n.id, n.nextSeq(), []PeerChange{{Type: raftpb.ConfChangeAddNode, NodeID: id, Addr: addr}})
	if err != nil {
		resp <- &RequestIDResponse{Result: Failure(fmt.Errorf("%w: %v", ErrEncoding, err))}
		return
	}
	if err := n.rn.ProposeConfChange(cc); err != nil {
		resp <- &RequestIDResponse{Result: Failure(err)}
		return
	}

	n.allocatedMax = id
	n.joins[addr] = &pendingJoin{
		id:       id,
		addr:     addr,
		deadline: time.Now().Add(n.config.JoinTimeout),
		waiters:  []chan ServerResponse{resp},
	}
	n.logger.Info("reserved node id", "peer", id, "addr", addr)
}

// completeJoin answers the joiners waiting on a committed AddNode.
func (n *Node[E, S]) completeJoin(c PeerChange) {
	j, ok := n.joins[c.Addr]
	if !ok || j.id != c.NodeID {
		return
	}
	delete(n.joins, c.Addr)
	j.respond(&RequestIDResponse{
		Result:     Success(),
		ReservedID: j.id,
		LeaderID:   n.id,
		LeaderAddr: n.config.Addr,
		Peers:      n.peers.Snapshot(),
	})
}

// expireJoins fails reservations that did not commit in time. Their ids
// stay allocated.
func (n *Node[E, S]) expireJoins(now time.Time) {
	for addr, j := range n.joins {
		if now.After(j.deadline) {
			delete(n.joins, addr)
			n.logger.Warn("join timed out", "peer", j.id, "addr", addr)
			j.respond(&RequestIDResponse{Result: Failure(ErrTimeout)})
		}
	}
}

// nextPeerID returns an id above every member, reservation and this node.
func (n *Node[E, S]) nextPeerID() uint64 {
	max := n.allocatedMax
	if id := n.peers.MaxID(); id > max {
		max = id
	}
	for _, j := range n.joins {
		if j.id > max {
			max = j.id
		}
	}
	for id := range n.routes {
		if id > max {
			max = id
		}
	}
	if n.id > max {
		max = n.id
	}
	return max + 1
}

// JoinResult is the outcome of a successful join.
type JoinResult struct {
	ID    uint64
	Peers []Peer
}

// JoinOptions configures JoinCluster.
type JoinOptions struct {
	SeedAddr      string        // Any running member
	Addr          string        // Address of the joining node
	RetryInterval time.Duration // Pause between attempts
	Timeout       time.Duration // Timeout of a single attempt
	Logger        logging.Logger
}

// JoinCluster asks the cluster for a node id. Followers redirect to the
// leader; failures are retried until ctx is done. The returned peers are the
// committed membership including the new node.
func JoinCluster(ctx context.Context, transport Transport, opts JoinOptions) (*JoinResult, error) {
	if opts.SeedAddr == "" || opts.Addr == "" {
		return nil, fmt.Errorf("%w: seed and node address required", ErrWrongArgument)
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	target := opts.SeedAddr
	for attempt := 1; ; attempt++ {
		result, next, err := requestID(ctx, transport, target, opts)
		if err == nil {
			logger.Info("joined cluster", "node_id", result.ID, "peers", len(result.Peers))
			return result, nil
		}

		if next != "" {
			target = next
			logger.Debug("redirected to leader", "leader_addr", next)
		} else {
			target = opts.SeedAddr
			logger.Debug("join attempt failed", "attempt", attempt, "error", err.Error())
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("join cluster: %w", errors.Join(ctx.Err(), err))
		case <-time.After(opts.RetryInterval):
		}
	}
}

// requestID performs one attempt. On a redirect it returns the leader
// address to try next.
func requestID(ctx context.Context, transport Transport, target string, opts JoinOptions) (*JoinResult, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	resp, err := transport.Call(callCtx, target, &RequestIDRequest{Addr: opts.Addr})
	if err != nil {
		return nil, "", err
	}
	r, ok := resp.(*RequestIDResponse)
	if !ok {
		return nil, "", fmt.Errorf("%w: unexpected response %T", ErrWrongArgument, resp)
	}

	switch r.Result.Kind {
	case ResultSuccess:
		return &JoinResult{ID: r.ReservedID, Peers: r.Peers}, "", nil
	case ResultWrongLeader:
		return nil, r.Result.LeaderAddr, r.Result.Err()
	default:
		return nil, "", r.Result.Err()
	}
}
