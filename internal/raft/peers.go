package raft

import (
	"sort"
	"sync"

	"go.etcd.io/raft/v3/raftpb"
)

// Role is the voting role of a cluster member.
type Role int

const (
	RoleVoter Role = iota
	RoleLearner
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleLearner {
		return "learner"
	}
	return "voter"
}

// Peer is a cluster member.
type Peer struct {
	ID   uint64 `json:"id"`
	Addr string `json:"addr"`
	Role Role   `json:"role"`
}

// PeerChange is one membership change carried by a conf change entry.
type PeerChange struct {
	Type   raftpb.ConfChangeType `json:"type"`
	NodeID uint64                `json:"node_id"`
	Addr   string                `json:"addr,omitempty"`
}

// Peers is the membership registry. It reflects the committed configuration
// changes this node has applied.
type Peers struct {
	peers     map[uint64]Peer
	lastIndex uint64 // log index of the last applied change
	mu        sync.RWMutex
}

// NewPeers creates an empty registry.
func NewPeers() *Peers {
	return &Peers{peers: make(map[uint64]Peer)}
}

// Get returns the peer with the given id.
func (p *Peers) Get(id uint64) (Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peer, ok := p.peers[id]
	return peer, ok
}

// ByAddr returns the peer listening at addr.
func (p *Peers) ByAddr(addr string) (Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, peer := range p.peers {
		if peer.Addr == addr {
			return peer, true
		}
	}
	return Peer{}, false
}

// InsertOrUpdate replaces the peer with the same id.
func (p *Peers) InsertOrUpdate(peer Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peer.ID] = peer
}

// Remove deletes the peer with the given id.
func (p *Peers) Remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, id)
}

// Len returns the number of members.
func (p *Peers) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// MaxID returns the largest member id, or 0 when empty.
func (p *Peers) MaxID() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var max uint64
	for id := range p.peers {
		if id > max {
			max = id
		}
	}
	return max
}

// LastIndex returns the log index of the last applied change.
func (p *Peers) LastIndex() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastIndex
}

// Snapshot returns the members ordered by id.
func (p *Peers) Snapshot() []Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply applies the changes committed at index. Changes at or below the last
// applied index are ignored, so replaying the log is safe. It reports whether
// the changes were applied.
func (p *Peers) Apply(index uint64, changes ...PeerChange) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index <= p.lastIndex {
		return false
	}
	for _, c := range changes {
		switch c.Type {
		case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
			role := RoleVoter
			if c.Type == raftpb.ConfChangeAddLearnerNode {
				role = RoleLearner
			}
			addr := c.Addr
			if addr == "" {
				addr = p.peers[c.NodeID].Addr
			}
			p.peers[c.NodeID] = Peer{ID: c.NodeID, Addr: addr, Role: role}
		case raftpb.ConfChangeRemoveNode:
			delete(p.peers, c.NodeID)
		}
	}
	p.lastIndex = index
	return true
}

// Seed replaces the registry with a committed view received from the
// cluster. Log replay still applies later changes on top.
func (p *Peers) Seed(peers []Peer) {
	p.Restore(0, peers)
}

// Restore replaces the registry with the view as of index.
func (p *Peers) Restore(index uint64, peers []Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers = make(map[uint64]Peer, len(peers))
	for _, peer := range peers {
		p.peers[peer.ID] = peer
	}
	p.lastIndex = index
}
