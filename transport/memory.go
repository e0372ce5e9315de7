package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

var (
	// ErrPeerUnreachable is returned when an envelope could not be delivered.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrPeerRefused is returned when a peer received an envelope and refused it.
	ErrPeerRefused = errors.New("peer refused request")
)

// MemoryNetwork connects in-process endpoints. Nodes can be taken down to
// simulate failures.
type MemoryNetwork struct {
	mu       sync.RWMutex
	handlers map[interfaces.NodeID]interfaces.MessageHandler
	down     map[interfaces.NodeID]bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		handlers: make(map[interfaces.NodeID]interfaces.MessageHandler),
		down:     make(map[interfaces.NodeID]bool),
	}
}

// Endpoint returns the transport used by node.
func (n *MemoryNetwork) Endpoint(node interfaces.NodeID) *MemoryTransport {
	return &MemoryTransport{network: n, self: node}
}

// SetDown marks node as unreachable (or reachable again).
func (n *MemoryNetwork) SetDown(node interfaces.NodeID, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[node] = down
}

func (n *MemoryNetwork) deliver(ctx context.Context, from, to interfaces.NodeID, env *interfaces.Envelope) (*interfaces.Envelope, error) {
	n.mu.RLock()
	h, ok := n.handlers[to]
	unreachable := n.down[to] || n.down[from]
	n.mu.RUnlock()

	if !ok || unreachable {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := *env
	msg.From = from
	msg.To = to
	msg.Payload = append([]byte(nil), env.Payload...)

	reply, err := h(ctx, &msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerRefused, err)
	}
	if reply == nil {
		return nil, fmt.Errorf("%w: empty reply from %s", ErrPeerRefused, to)
	}
	out := *reply
	out.From = to
	out.To = from
	return &out, nil
}

// MemoryTransport is one node's endpoint on a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	self    interfaces.NodeID
}

// Send delivers env to the handler registered for to and returns its reply.
func (t *MemoryTransport) Send(ctx context.Context, to interfaces.NodeID, env *interfaces.Envelope) (*interfaces.Envelope, error) {
	return t.network.deliver(ctx, t.self, to, env)
}

// Handle registers the node's inbound handler.
func (t *MemoryTransport) Handle(h interfaces.MessageHandler) {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	t.network.handlers[t.self] = h
}
