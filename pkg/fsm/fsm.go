package fsm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pixperk/opscoord/pkg/types"
)

// manages the replicated bulletin board
// critical :
// - a node partition is only ever replaced whole per key, never merged
// - the leader partition is written only through leader-applied commands
// - reads hand out copies, callers never alias fsm memory
type FSM struct {
	mu sync.RWMutex

	partitions map[types.NodeID]map[string][]byte // node -> key -> data
	leader     map[string][]byte                  // key -> data

	lastWriter types.NodeID // who last wrote the leader partition
	writes     uint64       // applied write commands
}

func NewFSM() *FSM {
	return &FSM{
		partitions: make(map[types.NodeID]map[string][]byte),
		leader:     make(map[string][]byte),
	}
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch c := cmd.(type) {
	case types.WritePartitionCommand:
		return f.applyWritePartition(c)
	case types.WriteLeaderPartitionCommand:
		return f.applyWriteLeaderPartition(c)
	case types.RemovePartitionCommand:
		return f.applyRemovePartition(c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// returned when a write is applied
type WriteResponse struct {
	Writes uint64
}

func (f *FSM) applyWritePartition(cmd types.WritePartitionCommand) (any, error) {
	if cmd.Node == "" {
		return nil, fmt.Errorf("partition write without node")
	}

	part, ok := f.partitions[cmd.Node]
	if !ok {
		part = make(map[string][]byte)
		f.partitions[cmd.Node] = part
	}
	part[cmd.Key] = clone(cmd.Data)
	f.writes++

	return WriteResponse{Writes: f.writes}, nil
}

func (f *FSM) applyWriteLeaderPartition(cmd types.WriteLeaderPartitionCommand) (any, error) {
	f.leader[cmd.Key] = clone(cmd.Data)
	f.lastWriter = cmd.Leader
	f.writes++

	return WriteResponse{Writes: f.writes}, nil
}

// returned when a departed node's partition is dropped
type RemoveResponse struct {
	Removed bool
}

func (f *FSM) applyRemovePartition(cmd types.RemovePartitionCommand) (any, error) {
	_, ok := f.partitions[cmd.Node]
	delete(f.partitions, cmd.Node)
	return RemoveResponse{Removed: ok}, nil
}

// returns key from every partition holding it
func (f *FSM) ReadAll(key string) map[types.NodeID][]byte {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[types.NodeID][]byte, len(f.partitions))
	for node, part := range f.partitions {
		if data, ok := part[key]; ok {
			out[node] = clone(data)
		}
	}
	return out
}

// returns key from the leader partition, nil if never written
func (f *FSM) ReadLeader(key string) []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return clone(f.leader[key])
}

// current fsm stats
type Stats struct {
	Partitions int
	Nodes      []types.NodeID
	LastWriter types.NodeID
	Writes     uint64
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes := make([]types.NodeID, 0, len(f.partitions))
	for node := range f.partitions {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	return Stats{
		Partitions: len(f.partitions),
		Nodes:      nodes,
		LastWriter: f.lastWriter,
		Writes:     f.writes,
	}
}

func clone(data []byte) []byte {
	if data == nil {
		return nil
	}
	return append([]byte(nil), data...)
}
