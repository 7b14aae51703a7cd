package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pixperk/opscoord/pkg/types"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(),
	}
}

// returns the board fsm for local reads
func (rf *RaftFSM) GetFSM() *FSM {
	return rf.fsm
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : decode the command envelope
	cmd, err := types.DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply to the board
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current board
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Partitions: make(map[types.NodeID]map[string][]byte, len(rf.fsm.partitions)),
		Leader:     make(map[string][]byte, len(rf.fsm.leader)),
		LastWriter: rf.fsm.lastWriter,
		Writes:     rf.fsm.writes,
	}

	//deep copy partitions
	for node, part := range rf.fsm.partitions {
		partCopy := make(map[string][]byte, len(part))
		for key, data := range part {
			partCopy[key] = clone(data)
		}
		snapshot.Partitions[node] = partCopy
	}

	//deep copy leader partition
	for key, data := range rf.fsm.leader {
		snapshot.Leader[key] = clone(data)
	}

	return snapshot, nil
}

// restores the board from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}
	if snap.Partitions == nil {
		snap.Partitions = make(map[types.NodeID]map[string][]byte)
	}
	if snap.Leader == nil {
		snap.Leader = make(map[string][]byte)
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	rf.fsm.partitions = snap.Partitions
	rf.fsm.leader = snap.Leader
	rf.fsm.lastWriter = snap.LastWriter
	rf.fsm.writes = snap.Writes

	return nil
}

// point-in-time snapshot of the board
type fsmSnapshot struct {
	Partitions map[types.NodeID]map[string][]byte `json:"partitions"`
	Leader     map[string][]byte                  `json:"leader"`
	LastWriter types.NodeID                       `json:"last_writer"`
	Writes     uint64                             `json:"writes"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
