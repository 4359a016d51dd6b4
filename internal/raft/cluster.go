package raft

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Cluster tracks the nodes running in this process. A node is added when
// Start launches its loop and removed when the loop exits.
type Cluster[E LogEntry, S StateMachine[E]] struct {
	nodes map[uint64]*Node[E, S]
	errs  map[uint64]error
	wg    sync.WaitGroup
	mu    sync.Mutex
}

// NewCluster creates an empty cluster registry.
func NewCluster[E LogEntry, S StateMachine[E]]() *Cluster[E, S] {
	return &Cluster[E, S]{
		nodes: make(map[uint64]*Node[E, S]),
		errs:  make(map[uint64]error),
	}
}

// Start runs node in a new goroutine and registers it until its loop exits.
func (c *Cluster[E, S]) Start(ctx context.Context, node *Node[E, S]) {
	c.mu.Lock()
	c.nodes[node.ID()] = node
	delete(c.errs, node.ID())
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := node.Run(ctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.nodes[node.ID()] == node {
			delete(c.nodes, node.ID())
		}
		if err != nil {
			c.errs[node.ID()] = err
		}
	}()
}

// Get returns the running node with the given id.
func (c *Cluster[E, S]) Get(id uint64) (*Node[E, S], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Nodes returns the running nodes ordered by id.
func (c *Cluster[E, S]) Nodes() []*Node[E, S] {
	c.mu.Lock()
	defer c.mu.Unlock()
	nodes := make([]*Node[E, S], 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	return nodes
}

// Running returns the number of running nodes.
func (c *Cluster[E, S]) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Leader returns the running node that currently leads, if any.
func (c *Cluster[E, S]) Leader(ctx context.Context) (*Node[E, S], bool) {
	for _, n := range c.Nodes() {
		if ok, err := n.IsLeader(ctx); err == nil && ok {
			return n, true
		}
	}
	return nil, false
}

// QuitAll quits every running node and waits for their loops to exit.
func (c *Cluster[E, S]) QuitAll(ctx context.Context) error {
	var errs []error
	for _, n := range c.Nodes() {
		if err := n.Quit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return c.Wait(ctx)
}

// Wait blocks until every started loop has exited and returns the fatal
// errors they reported.
func (c *Cluster[E, S]) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	errs := make([]error, 0, len(c.errs))
	for _, err := range c.errs {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClusterStatus is a summary of the nodes running in this process.
type ClusterStatus struct {
	Running  int         `json:"running"`
	LeaderID uint64      `json:"leaderId"`
	Nodes    []DebugInfo `json:"nodes"`
}

// Status gathers a debug dump from every running node.
func (c *Cluster[E, S]) Status(ctx context.Context) *ClusterStatus {
	nodes := c.Nodes()
	status := &ClusterStatus{Nodes: make([]DebugInfo, 0, len(nodes))}
	for _, n := range nodes {
		info, err := n.DebugNode(ctx)
		if err != nil {
			continue
		}
		status.Nodes = append(status.Nodes, info)
		if info.RaftState == "StateLeader" {
			status.LeaderID = info.ID
		}
	}
	status.Running = len(status.Nodes)
	return status
}
