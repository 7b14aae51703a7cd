package fsm

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logEntry(t *testing.T, index uint64, cmd types.Command) *raft.Log {
	t.Helper()
	data, err := types.EncodeCommand(cmd)
	require.NoError(t, err)
	return &raft.Log{Index: index, Term: 1, Type: raft.LogCommand, Data: data}
}

// TestRaftFSMApply tests that Apply decodes the replicated envelope
func TestRaftFSMApply(t *testing.T) {
	raftFSM := NewRaftFSM()

	result := raftFSM.Apply(logEntry(t, 1, types.WritePartitionCommand{
		Node: "unit-0",
		Key:  "locks",
		Data: []byte("x"),
	}))

	resp, ok := result.(WriteResponse)
	require.True(t, ok, "expected WriteResponse")
	assert.Equal(t, uint64(1), resp.Writes)
	assert.Equal(t, "x", string(raftFSM.GetFSM().ReadAll("locks")["unit-0"]))
}

// TestRaftFSMApplyGarbage tests that undecodable entries surface as errors
func TestRaftFSMApplyGarbage(t *testing.T) {
	raftFSM := NewRaftFSM()

	result := raftFSM.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte("not json")})

	_, isErr := result.(error)
	assert.True(t, isErr, "expected an error result")
}

// mockSink collects persisted snapshot bytes
type mockSink struct {
	bytes.Buffer
	cancelled bool
}

func (m *mockSink) ID() string    { return "mock" }
func (m *mockSink) Cancel() error { m.cancelled = true; return nil }
func (m *mockSink) Close() error  { return nil }

// TestRaftFSMSnapshotRestore tests the full snapshot round trip
func TestRaftFSMSnapshotRestore(t *testing.T) {
	raftFSM := NewRaftFSM()

	raftFSM.Apply(logEntry(t, 1, types.WritePartitionCommand{Node: "unit-0", Key: "locks", Data: []byte("a")}))
	raftFSM.Apply(logEntry(t, 2, types.WritePartitionCommand{Node: "unit-1", Key: "locks", Data: []byte("b")}))
	raftFSM.Apply(logEntry(t, 3, types.WriteLeaderPartitionCommand{Leader: "unit-0", Key: "locks", Data: []byte("g")}))

	snapshot, err := raftFSM.Snapshot()
	require.NoError(t, err)

	fsmSnap := snapshot.(*fsmSnapshot)
	assert.Len(t, fsmSnap.Partitions, 2)
	assert.Equal(t, uint64(3), fsmSnap.Writes)

	sink := &mockSink{}
	require.NoError(t, snapshot.Persist(sink))
	assert.False(t, sink.cancelled)

	//restore into a fresh fsm
	restored := NewRaftFSM()
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	all := restored.GetFSM().ReadAll("locks")
	assert.Equal(t, "a", string(all["unit-0"]))
	assert.Equal(t, "b", string(all["unit-1"]))
	assert.Equal(t, "g", string(restored.GetFSM().ReadLeader("locks")))
	assert.Equal(t, types.NodeID("unit-0"), restored.GetFSM().Stats().LastWriter)
}

// TestRaftFSMSnapshotIsolation tests that later writes don't leak into a snapshot
func TestRaftFSMSnapshotIsolation(t *testing.T) {
	raftFSM := NewRaftFSM()
	raftFSM.Apply(logEntry(t, 1, types.WritePartitionCommand{Node: "unit-0", Key: "locks", Data: []byte("before")}))

	snapshot, err := raftFSM.Snapshot()
	require.NoError(t, err)

	raftFSM.Apply(logEntry(t, 2, types.WritePartitionCommand{Node: "unit-0", Key: "locks", Data: []byte("after")}))

	sink := &mockSink{}
	require.NoError(t, snapshot.Persist(sink))

	var snap fsmSnapshot
	require.NoError(t, json.Unmarshal(sink.Bytes(), &snap))
	assert.Equal(t, "before", string(snap.Partitions["unit-0"]["locks"]))
}

// TestRaftFSMRestoreEmpty tests restoring a snapshot with no board data
func TestRaftFSMRestoreEmpty(t *testing.T) {
	raftFSM := NewRaftFSM()
	require.NoError(t, raftFSM.Restore(io.NopCloser(bytes.NewReader([]byte(`{}`)))))

	assert.Empty(t, raftFSM.GetFSM().ReadAll("locks"))
	assert.Nil(t, raftFSM.GetFSM().ReadLeader("locks"))
}
