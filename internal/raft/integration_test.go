package raft

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"github.com/KilimcininKorOglu/raftnode/internal/logging"
)

func waitForClusterSize(t *testing.T, c *testCluster, size int) {
	t.Helper()
	waitFor(t, 5*time.Second, fmt.Sprintf("cluster size %d on every node", size), func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, n := range c.cluster.Nodes() {
			got, err := n.ClusterSize(ctx)
			if err != nil || got != size {
				return false
			}
		}
		return true
	})
}

func TestStaticBootstrapConvergence(t *testing.T) {
	c := newTestCluster(t)
	c.startStatic(3)

	c.waitForLeader()
	waitForClusterSize(t, c, 3)

	// Exactly one leader and every node agrees on its term.
	var infos []DebugInfo
	waitFor(t, 5*time.Second, "term agreement", func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		infos = infos[:0]
		for _, n := range c.cluster.Nodes() {
			info, err := n.DebugNode(ctx)
			if err != nil {
				return false
			}
			infos = append(infos, info)
		}
		leaders := 0
		for _, info := range infos {
			if info.RaftState == "StateLeader" {
				leaders++
			}
			if info.Term != infos[0].Term || info.LeaderID != infos[0].LeaderID {
				return false
			}
		}
		return leaders == 1 && infos[0].LeaderID != 0
	})

	for _, info := range infos {
		if len(info.Peers) != 3 {
			t.Errorf("node %d sees %d peers", info.ID, len(info.Peers))
		}
	}
}

func TestClusterLogReplication(t *testing.T) {
	c := newTestCluster(t)
	stores := c.startStatic(3)
	leader := c.waitForLeader()

	ctx := testCtx(t)
	for i := 0; i < 10; i++ {
		e := testEntry{Key: fmt.Sprintf("key-%d", i), Value: fmt.Sprintf("%d", i)}
		if _, err := leader.Propose(ctx, e); err != nil {
			t.Fatalf("Propose %d failed: %v", i, err)
		}
	}

	for id, store := range stores {
		waitFor(t, 5*time.Second, fmt.Sprintf("replication to node %d", id), func() bool {
			return store.Len() == 10
		})
		if v, _ := store.Get("key-7"); v != "7" {
			t.Errorf("node %d: key-7 = %q", id, v)
		}
	}
}

func TestFollowerRedirect(t *testing.T) {
	c := newTestCluster(t)
	c.startStatic(3)
	leader := c.waitForLeader()

	var follower *testNode
	for _, n := range c.cluster.Nodes() {
		if n.ID() != leader.ID() {
			follower = n
			break
		}
	}

	ctx := testCtx(t)
	waitFor(t, 5*time.Second, "follower learns leader", func() bool {
		lead, err := follower.LeaderID(ctx)
		return err == nil && lead == leader.ID()
	})

	_, err := follower.Propose(ctx, testEntry{Key: "a", Value: "1"})
	var wl *WrongLeaderError
	if !errors.As(err, &wl) {
		t.Fatalf("expected WrongLeaderError, got %v", err)
	}
	if !errors.Is(err, ErrNotLeader) {
		t.Error("WrongLeaderError should match ErrNotLeader")
	}
	if wl.LeaderID != leader.ID() || wl.LeaderAddr != leader.Addr() {
		t.Errorf("unexpected leader hint %d at %q", wl.LeaderID, wl.LeaderAddr)
	}

	resp, err := follower.HandleServer(ctx, &ConfigChangeRequest{Changes: []PeerChange{{Type: raftpb.ConfChangeRemoveNode, NodeID: 3}}})
	if err != nil {
		t.Fatalf("HandleServer failed: %v", err)
	}
	if r := resp.(*ConfigChangeResponse).Result; r.Kind != ConfChangeWrongLeader || r.LeaderID != leader.ID() {
		t.Errorf("expected WrongLeader result, got %+v", r)
	}
}

// join admits a new node through seed and starts it.
func join(t *testing.T, c *testCluster, seed, addr string) (*testNode, *JoinResult) {
	t.Helper()
	result, err := JoinCluster(testCtx(t), c.network.NewTransport(addr), JoinOptions{
		SeedAddr:      seed,
		Addr:          addr,
		RetryInterval: 50 * time.Millisecond,
		Timeout:       5 * time.Second,
		Logger:        logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("JoinCluster(%s) failed: %v", addr, err)
	}
	node, _ := c.startNode(result.ID, addr, Bootstrap{Mode: BootstrapJoin, Peers: result.Peers})
	return node, result
}

func TestDynamicBootstrap(t *testing.T) {
	c := newTestCluster(t)
	c.startNode(1, nodeAddr(1), Bootstrap{Mode: BootstrapStatic})
	c.waitForLeader()
	waitForClusterSize(t, c, 1)

	_, second := join(t, c, nodeAddr(1), "joiner-a:7000")
	if second.ID != 2 {
		t.Errorf("expected id 2, got %d", second.ID)
	}
	if len(second.Peers) != 2 {
		t.Errorf("expected 2 peers in join result, got %d", len(second.Peers))
	}

	_, third := join(t, c, nodeAddr(1), "joiner-b:7000")
	if third.ID != 3 {
		t.Errorf("expected id 3, got %d", third.ID)
	}

	waitForClusterSize(t, c, 3)

	ctx := testCtx(t)
	var want []Peer
	for _, n := range c.cluster.Nodes() {
		peers, err := n.Peers(ctx)
		if err != nil {
			t.Fatalf("Peers failed: %v", err)
		}
		if want == nil {
			want = peers
			continue
		}
		if !reflect.DeepEqual(peers, want) {
			t.Errorf("node %d peers %+v, want %+v", n.ID(), peers, want)
		}
	}

	// The grown cluster still replicates.
	leader := c.waitForLeader()
	if _, err := leader.Propose(ctx, testEntry{Key: "grown", Value: "yes"}); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
}

func TestJoinThroughFollower(t *testing.T) {
	c := newTestCluster(t)
	c.startStatic(3)
	leader := c.waitForLeader()
	waitForClusterSize(t, c, 3)

	var seed string
	for _, n := range c.cluster.Nodes() {
		if n.ID() != leader.ID() {
			seed = n.Addr()
			break
		}
	}

	_, result := join(t, c, seed, "joiner:7000")
	if result.ID != 4 {
		t.Errorf("expected id 4, got %d", result.ID)
	}
	waitForClusterSize(t, c, 4)
}

func TestRequestIDIdempotent(t *testing.T) {
	c := newTestCluster(t)
	leader, _ := c.startNode(1, nodeAddr(1), Bootstrap{Mode: BootstrapStatic})
	c.waitForLeader()
	waitForClusterSize(t, c, 1)

	const addr = "joiner:7000"
	ctx := testCtx(t)

	var wg sync.WaitGroup
	responses := make([]*RequestIDResponse, 3)
	for i := range responses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := leader.HandleServer(ctx, &RequestIDRequest{Addr: addr})
			if err != nil {
				t.Errorf("RequestID failed: %v", err)
				return
			}
			responses[i] = resp.(*RequestIDResponse)
		}(i)
	}
	wg.Wait()

	for i, r := range responses {
		if r == nil {
			continue
		}
		if r.Result.Kind != ResultSuccess {
			t.Fatalf("response %d: %+v", i, r.Result)
		}
		if r.ReservedID != 2 {
			t.Errorf("response %d reserved %d, want 2", i, r.ReservedID)
		}
	}

	size, err := leader.ClusterSize(ctx)
	if err != nil || size != 2 {
		t.Errorf("ClusterSize = %d, %v", size, err)
	}

	// Start the member so the leader keeps its quorum, then ask again.
	c.startNode(2, addr, Bootstrap{Mode: BootstrapJoin, Peers: responses[0].Peers})
	current := c.waitForLeader()
	resp, err := current.HandleServer(ctx, &RequestIDRequest{Addr: addr})
	if err != nil {
		t.Fatalf("RequestID failed: %v", err)
	}
	if r := resp.(*RequestIDResponse); r.Result.Kind != ResultSuccess || r.ReservedID != 2 {
		t.Errorf("committed member got %+v", r)
	}
	waitForClusterSize(t, c, 2)
}

func TestRequestIDRequiresAddress(t *testing.T) {
	c := newTestCluster(t)
	leader, _ := c.startNode(1, nodeAddr(1), Bootstrap{Mode: BootstrapStatic})
	c.waitForLeader()

	resp, err := leader.HandleServer(testCtx(t), &RequestIDRequest{})
	if err != nil {
		t.Fatalf("HandleServer failed: %v", err)
	}
	if r := resp.(*RequestIDResponse); !errors.Is(r.Result.Err(), ErrWrongArgument) {
		t.Errorf("expected ErrWrongArgument, got %+v", r.Result)
	}
}

func TestRemoveNode(t *testing.T) {
	c := newTestCluster(t)
	c.startStatic(3)
	leader := c.waitForLeader()
	waitForClusterSize(t, c, 3)

	var victim uint64
	for _, n := range c.cluster.Nodes() {
		if n.ID() != leader.ID() {
			victim = n.ID()
			break
		}
	}

	ctx := testCtx(t)
	result, err := leader.ChangeConfig(ctx, PeerChange{Type: raftpb.ConfChangeRemoveNode, NodeID: victim})
	if err != nil {
		t.Fatalf("ChangeConfig failed: %v", err)
	}
	if result.Kind != ConfChangeRemoveSuccess {
		t.Errorf("expected RemoveSuccess, got %d", result.Kind)
	}
	for _, p := range result.Peers {
		if p.ID == victim {
			t.Errorf("removed node %d still listed", victim)
		}
	}

	size, err := leader.ClusterSize(ctx)
	if err != nil || size != 2 {
		t.Errorf("ClusterSize = %d, %v", size, err)
	}

	// Two members remain, enough for a quorum.
	current := c.waitForLeader()
	if _, err := current.Propose(ctx, testEntry{Key: "after", Value: "remove"}); err != nil {
		t.Fatalf("Propose after remove failed: %v", err)
	}
}

func TestLeaderFailover(t *testing.T) {
	c := newTestCluster(t)
	stores := c.startStatic(3)
	leader := c.waitForLeader()

	ctx := testCtx(t)
	if _, err := leader.Propose(ctx, testEntry{Key: "before", Value: "1"}); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	old := leader.ID()
	c.network.Disconnect(leader.Addr())

	var next *testNode
	waitFor(t, 5*time.Second, "new leader", func() bool {
		for _, n := range c.cluster.Nodes() {
			if n.ID() == old {
				continue
			}
			if ok, _ := n.IsLeader(ctx); ok {
				next = n
				return true
			}
		}
		return false
	})

	if _, err := next.Propose(ctx, testEntry{Key: "after", Value: "2"}); err != nil {
		t.Fatalf("Propose on new leader failed: %v", err)
	}

	c.network.Reconnect(leader.Addr())
	waitFor(t, 5*time.Second, "old leader catches up", func() bool {
		v, ok := stores[old].Get("after")
		return ok && v == "2"
	})
}

func TestLeaderRemovesItself(t *testing.T) {
	c := newTestCluster(t)
	stores := c.startStatic(3)
	leader := c.waitForLeader()
	waitForClusterSize(t, c, 3)
	old := leader.ID()

	ctx := testCtx(t)
	result, err := leader.ChangeConfig(ctx, PeerChange{Type: raftpb.ConfChangeRemoveNode, NodeID: old})
	if err != nil && !errors.Is(err, ErrStopped) {
		t.Fatalf("ChangeConfig failed: %v", err)
	}
	if err == nil && result.Kind != ConfChangeRemoveSuccess {
		t.Errorf("expected RemoveSuccess, got %d", result.Kind)
	}

	select {
	case <-leader.Done():
	case <-ctx.Done():
		t.Fatal("removed leader did not stop")
	}
	waitFor(t, 5*time.Second, "registry drops the removed leader", func() bool {
		_, ok := c.cluster.Get(old)
		return !ok
	})

	next := c.waitForLeader()
	if next.ID() == old {
		t.Fatalf("removed node %d still leads", old)
	}
	waitForClusterSize(t, c, 2)
	if _, err := next.Propose(ctx, testEntry{Key: "after", Value: "self-remove"}); err != nil {
		t.Fatalf("Propose on new leader failed: %v", err)
	}
	for id, store := range stores {
		if id == old {
			continue
		}
		waitFor(t, 5*time.Second, fmt.Sprintf("replication to node %d", id), func() bool {
			v, ok := store.Get("after")
			return ok && v == "self-remove"
		})
	}
}

func TestJoinedNodeRestartsBeforeReplication(t *testing.T) {
	c := newTestCluster(t)
	c.startNode(1, nodeAddr(1), Bootstrap{Mode: BootstrapStatic})
	c.waitForLeader()

	// Admit node 2 but never start it, as if it crashed right after joining.
	addr := "joiner:7000"
	result, err := JoinCluster(testCtx(t), c.network.NewTransport(addr), JoinOptions{
		SeedAddr:      nodeAddr(1),
		Addr:          addr,
		RetryInterval: 50 * time.Millisecond,
		Timeout:       5 * time.Second,
	})
	if err != nil {
		t.Fatalf("JoinCluster failed: %v", err)
	}

	// Without the committed peers the node could not reach anyone.
	_, err = NewNode(testConfig(result.ID, addr, c.dir(result.ID)), newMemStore(), decodeTestEntry,
		c.network.NewTransport(addr), Bootstrap{Mode: BootstrapJoin}, logging.NewNop())
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	_, store := c.startNode(result.ID, addr, Bootstrap{Mode: BootstrapJoin, Peers: result.Peers})
	waitForClusterSize(t, c, 2)

	ctx := testCtx(t)
	leader := c.waitForLeader()
	if _, err := leader.Propose(ctx, testEntry{Key: "k", Value: "v"}); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	waitFor(t, 5*time.Second, "replication to the restarted node", func() bool {
		v, ok := store.Get("k")
		return ok && v == "v"
	})
}
