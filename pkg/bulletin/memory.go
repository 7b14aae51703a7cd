package bulletin

import (
	"context"
	"sync"

	"github.com/pixperk/opscoord/pkg/types"
)

// Hub is an in-process bulletin board shared by simulated nodes
// every node gets its own view through Board
type Hub struct {
	mu         sync.RWMutex
	partitions map[types.NodeID]map[string][]byte
	leaderData map[string][]byte
	leader     types.NodeID
}

func NewHub() *Hub {
	return &Hub{
		partitions: make(map[types.NodeID]map[string][]byte),
		leaderData: make(map[string][]byte),
	}
}

// designates the node allowed to write the leader partition
// an empty id lifts the restriction
func (h *Hub) SetLeader(node types.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leader = node
}

// drops a departed node's partition
func (h *Hub) Remove(node types.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.partitions, node)
}

// returns the view of the hub as seen by node
func (h *Hub) Board(node types.NodeID) *MemoryBoard {
	return &MemoryBoard{hub: h, node: node}
}

// MemoryBoard is one node's view of a Hub
type MemoryBoard struct {
	hub  *Hub
	node types.NodeID
}

var _ Board = (*MemoryBoard)(nil)

func (b *MemoryBoard) WriteLocal(_ context.Context, key string, data []byte) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()

	part, ok := b.hub.partitions[b.node]
	if !ok {
		part = make(map[string][]byte)
		b.hub.partitions[b.node] = part
	}
	part[key] = clone(data)
	return nil
}

func (b *MemoryBoard) ReadAll(_ context.Context, key string) (map[types.NodeID][]byte, error) {
	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()

	out := make(map[types.NodeID][]byte, len(b.hub.partitions))
	for node, part := range b.hub.partitions {
		if data, ok := part[key]; ok {
			out[node] = clone(data)
		}
	}
	return out, nil
}

func (b *MemoryBoard) WriteLeaderPartition(_ context.Context, key string, data []byte) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()

	if b.hub.leader != "" && b.hub.leader != b.node {
		return types.ErrNotLeader
	}
	b.hub.leaderData[key] = clone(data)
	return nil
}

func (b *MemoryBoard) ReadLeaderPartition(_ context.Context, key string) ([]byte, error) {
	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()

	return clone(b.hub.leaderData[key]), nil
}
