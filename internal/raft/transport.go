package raft

import (
	"context"
	"fmt"
	"sync"
)

// Handler serves requests arriving from peers. *Node implements Handler.
type Handler interface {
	HandleServer(ctx context.Context, req ServerRequest) (ServerResponse, error)
}

// Transport delivers server requests to the node listening at an address.
type Transport interface {
	// Call sends req to addr and waits for the response.
	Call(ctx context.Context, addr string, req ServerRequest) (ServerResponse, error)

	// Close releases connections held by the transport.
	Close() error
}

// InMemoryNetwork routes requests between handlers in the same process.
// It is used by tests and single-process clusters.
type InMemoryNetwork struct {
	handlers     map[string]Handler
	disconnected map[string]bool
	mu           sync.RWMutex
}

// NewInMemoryNetwork creates a new in-memory network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		handlers:     make(map[string]Handler),
		disconnected: make(map[string]bool),
	}
}

// Register makes handler reachable at addr.
func (n *InMemoryNetwork) Register(addr string, handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = handler
}

// Unregister removes the handler at addr.
func (n *InMemoryNetwork) Unregister(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, addr)
}

// Disconnect makes addr unreachable in both directions.
func (n *InMemoryNetwork) Disconnect(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[addr] = true
}

// Reconnect undoes Disconnect.
func (n *InMemoryNetwork) Reconnect(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, addr)
}

// NewTransport returns a transport that sends from addr.
func (n *InMemoryNetwork) NewTransport(addr string) *InMemoryTransport {
	return &InMemoryTransport{network: n, addr: addr}
}

func (n *InMemoryNetwork) route(from, to string) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.disconnected[from] || n.disconnected[to] {
		return nil, fmt.Errorf("%w: %s unreachable", ErrUnknownPeer, to)
	}
	h, ok := n.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%w: no node at %s", ErrUnknownPeer, to)
	}
	return h, nil
}

// InMemoryTransport implements Transport on an InMemoryNetwork.
type InMemoryTransport struct {
	network *InMemoryNetwork
	addr    string
	closed  bool
	mu      sync.Mutex
}

// Call implements Transport.
func (t *InMemoryTransport) Call(ctx context.Context, addr string, req ServerRequest) (ServerResponse, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrTransportClosed
	}

	h, err := t.network.route(t.addr, addr)
	if err != nil {
		return nil, err
	}
	return h.HandleServer(ctx, req)
}

// Close implements Transport.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
