package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/raftnode/internal/logging"
)

// testEntry is the log entry used by the node tests.
type testEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (e testEntry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func decodeTestEntry(data []byte) (testEntry, error) {
	var e testEntry
	err := json.Unmarshal(data, &e)
	return e, err
}

// memStore is a map state machine for testing.
type memStore struct {
	data     map[string]string
	applied  int
	applyErr error
	mu       sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (m *memStore) Apply(e testEntry) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return nil, m.applyErr
	}
	m.data[e.Key] = e.Value
	m.applied++
	return []byte(e.Value), nil
}

func (m *memStore) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.data)
}

func (m *memStore) Restore(data []byte) error {
	restored := make(map[string]string)
	if err := json.Unmarshal(data, &restored); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = restored
	return nil
}

func (m *memStore) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *memStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Applied returns how many entries went through Apply. Entries installed by
// a snapshot are not counted.
func (m *memStore) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

func (m *memStore) SetApplyError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

type testNode = Node[testEntry, *memStore]

func testConfig(id uint64, addr, dir string) Config {
	cfg := DefaultConfig()
	cfg.ID = id
	cfg.Addr = addr
	cfg.LogDir = dir
	cfg.TickInterval = 10 * time.Millisecond
	cfg.HeartbeatTick = 2
	cfg.SnapshotInterval = 0
	cfg.MessageTimeout = 500 * time.Millisecond
	cfg.JoinTimeout = 5 * time.Second
	cfg.ProposalTimeout = 5 * time.Second
	return cfg
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testCluster runs nodes on an in-memory network.
type testCluster struct {
	t       *testing.T
	network *InMemoryNetwork
	cluster *Cluster[testEntry, *memStore]
	dirs    map[uint64]string
	tune    func(*Config) // applied to every node config before start
	ctx     context.Context
	cancel  context.CancelFunc
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := &testCluster{
		t:       t,
		network: NewInMemoryNetwork(),
		cluster: NewCluster[testEntry, *memStore](),
		dirs:    make(map[uint64]string),
		ctx:     ctx,
		cancel:  cancel,
	}
	t.Cleanup(c.stop)
	return c
}

func nodeAddr(id uint64) string {
	return fmt.Sprintf("node%d:7000", id)
}

func staticPeers(n int) []Peer {
	peers := make([]Peer, n)
	for i := range peers {
		id := uint64(i + 1)
		peers[i] = Peer{ID: id, Addr: nodeAddr(id)}
	}
	return peers
}

func (c *testCluster) dir(id uint64) string {
	if d, ok := c.dirs[id]; ok {
		return d
	}
	d := c.t.TempDir()
	c.dirs[id] = d
	return d
}

// startNode creates, registers and runs a node. The log directory is kept
// per id, so starting an id again restarts it from disk.
func (c *testCluster) startNode(id uint64, addr string, boot Bootstrap) (*testNode, *memStore) {
	c.t.Helper()
	store := newMemStore()
	cfg := testConfig(id, addr, c.dir(id))
	if c.tune != nil {
		c.tune(&cfg)
	}
	node, err := NewNode(cfg, store, decodeTestEntry, c.network.NewTransport(addr), boot, logging.NewNop())
	if err != nil {
		c.t.Fatalf("NewNode(%d) failed: %v", id, err)
	}
	c.network.Register(addr, node)
	c.cluster.Start(c.ctx, node)
	return node, store
}

// debug returns the debug dump of node.
func (c *testCluster) debug(node *testNode) DebugInfo {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	info, err := node.DebugNode(ctx)
	if err != nil {
		c.t.Fatalf("DebugNode(%d) failed: %v", node.ID(), err)
	}
	return info
}

// startStatic starts an n-node static cluster.
func (c *testCluster) startStatic(n int) map[uint64]*memStore {
	c.t.Helper()
	peers := staticPeers(n)
	stores := make(map[uint64]*memStore, n)
	for _, p := range peers {
		_, store := c.startNode(p.ID, p.Addr, Bootstrap{Mode: BootstrapStatic, Peers: peers})
		stores[p.ID] = store
	}
	return stores
}

func (c *testCluster) waitForLeader() *testNode {
	c.t.Helper()
	var leader *testNode
	waitFor(c.t, 5*time.Second, "leader election", func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, ok := c.cluster.Leader(ctx)
		leader = n
		return ok
	})
	return leader
}

func (c *testCluster) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.cluster.QuitAll(ctx)
	c.cancel()
	c.cluster.Wait(ctx)
}
