package raft

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pixperk/opscoord/pkg/bulletin"
	"github.com/pixperk/opscoord/pkg/fsm"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type forwardFunc func(ctx context.Context, leaderRaftAddr string, cmd types.Command) error

func (f forwardFunc) Forward(ctx context.Context, leaderRaftAddr string, cmd types.Command) error {
	return f(ctx, leaderRaftAddr, cmd)
}

func newInmemNode(t *testing.T, id string, bootstrap bool, fwd Forwarder) (*Node, *raft.InmemTransport) {
	t.Helper()
	_, trans := raft.NewInmemTransport("")

	node, err := NewNode(&Config{
		NodeID:    types.NodeID(id),
		Bootstrap: bootstrap,
		Transport: trans,
		Forwarder: fwd,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err, "failed to create node")
	t.Cleanup(func() { node.Shutdown() })
	return node, trans
}

// TestSingleNodeSmoke tests basic Raft functionality with a single node
func TestSingleNodeSmoke(t *testing.T) {
	node, _ := newInmemNode(t, "n1", true, nil)

	//wait for leader election
	require.NoError(t, node.WaitForLeader(10*time.Second), "no leader elected")
	require.Eventually(t, node.IsLeader, 5*time.Second, 50*time.Millisecond, "single node should be leader")
	assert.Equal(t, types.NodeID("n1"), node.LeaderID())

	result, err := node.Apply(types.WritePartitionCommand{Node: "n1", Key: "locks", Data: []byte(`[]`)})
	require.NoError(t, err)

	resp, ok := result.(fsm.WriteResponse)
	require.True(t, ok, "expected WriteResponse")
	assert.Equal(t, uint64(1), resp.Writes)

	//only leader partition writes record a writer
	stats := node.Stats()
	assert.Equal(t, 1, stats.Partitions)
	assert.Empty(t, stats.LastWriter)

	_, err = node.Apply(types.WriteLeaderPartitionCommand{Leader: "n1", Key: "locks", Data: []byte(`[]`)})
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("n1"), node.Stats().LastWriter)
	assert.Equal(t, 1, node.GetClusterSize())
}

func TestInmemNodeHasNoStateStore(t *testing.T) {
	node, _ := newInmemNode(t, "n1", true, nil)
	assert.Nil(t, node.StateStore())
}

func TestNewNodeRequiresID(t *testing.T) {
	_, err := NewNode(&Config{})
	assert.Error(t, err)
}

func TestBoardContractOnLeader(t *testing.T) {
	ctx := context.Background()
	node, _ := newInmemNode(t, "n1", true, nil)
	require.NoError(t, node.WaitForLeader(10*time.Second))
	require.Eventually(t, node.IsLeader, 5*time.Second, 50*time.Millisecond)

	var board bulletin.Board = node.Board()

	require.NoError(t, board.WriteLocal(ctx, "locks", []byte(`[{"lock":"restart","timestamp":1}]`)))
	all, err := board.ReadAll(ctx, "locks")
	require.NoError(t, err)
	assert.Equal(t, `[{"lock":"restart","timestamp":1}]`, string(all["n1"]))

	require.NoError(t, board.WriteLeaderPartition(ctx, "locks", []byte(`[]`)))
	lead, err := board.ReadLeaderPartition(ctx, "locks")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(lead))

	lead, err = board.ReadLeaderPartition(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, lead)
}

func TestThreeNodeClusterForwardsFollowerWrites(t *testing.T) {
	ctx := context.Background()

	leader, lt := newInmemNode(t, "n1", true, nil)
	require.NoError(t, leader.WaitForLeader(10*time.Second))
	require.Eventually(t, leader.IsLeader, 5*time.Second, 50*time.Millisecond)

	//followers forward straight into the leader, standing in for the http hop
	var forwarded []string
	fwd := forwardFunc(func(_ context.Context, addr string, cmd types.Command) error {
		forwarded = append(forwarded, addr)
		_, err := leader.Apply(cmd)
		return err
	})

	followers := make([]*Node, 0, 2)
	transports := []*raft.InmemTransport{lt}
	for i := 2; i <= 3; i++ {
		f, ft := newInmemNode(t, fmt.Sprintf("n%d", i), false, fwd)
		followers = append(followers, f)
		transports = append(transports, ft)
	}

	//full mesh
	for _, a := range transports {
		for _, b := range transports {
			if a != b {
				a.Connect(b.LocalAddr(), b)
			}
		}
	}

	for _, f := range followers {
		require.NoError(t, leader.Join(f.ID(), f.Addr()))
	}
	assert.Equal(t, 3, leader.GetClusterSize())

	//joining twice is a no-op
	require.NoError(t, leader.Join(followers[0].ID(), followers[0].Addr()))

	f := followers[0]
	require.Eventually(t, func() bool { return f.GetLeader() == leader.Addr() }, 10*time.Second, 50*time.Millisecond)

	board := f.Board()
	require.NoError(t, board.WriteLocal(ctx, "locks", []byte(`[{"lock":"restart","timestamp":3}]`)))
	require.Equal(t, []string{leader.Addr()}, forwarded)

	//replicated everywhere, owned by the follower
	for _, n := range append(followers, leader) {
		require.Eventually(t, func() bool {
			all, _ := n.Board().ReadAll(ctx, "locks")
			return string(all["n2"]) == `[{"lock":"restart","timestamp":3}]`
		}, 10*time.Second, 50*time.Millisecond)
	}

	//followers may not write the leader partition
	err := board.WriteLeaderPartition(ctx, "locks", []byte(`[]`))
	assert.ErrorIs(t, err, types.ErrNotLeader)

	_, err = f.Apply(types.WritePartitionCommand{Node: "n2", Key: "locks"})
	assert.ErrorIs(t, err, types.ErrNotLeader)

	//a departing node takes its partition with it
	assert.ErrorIs(t, f.Leave("n3"), types.ErrNotLeader)
	require.NoError(t, leader.Leave("n2"))
	assert.Equal(t, 2, leader.GetClusterSize())

	all, err := leader.Board().ReadAll(ctx, "locks")
	require.NoError(t, err)
	assert.NotContains(t, all, types.NodeID("n2"))
}

func TestFollowerWithoutLeader(t *testing.T) {
	node, _ := newInmemNode(t, "lonely", false, nil)

	err := node.Board().WriteLocal(context.Background(), "locks", []byte(`[]`))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNoLeader)
	assert.True(t, types.IsTransient(err))
}

func TestPersistentNodeRestartsWithBoard(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := &Config{
		NodeID:    "n1",
		BindAddr:  "127.0.0.1:0",
		DataDir:   dir,
		Bootstrap: true,
		Logger:    zerolog.Nop(),
	}
	node, err := NewNode(cfg)
	require.NoError(t, err)
	require.NoError(t, node.WaitForLeader(10*time.Second))
	require.Eventually(t, node.IsLeader, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, node.Board().WriteLocal(ctx, "locks", []byte(`[{"lock":"restart","timestamp":9}]`)))
	require.NotNil(t, node.StateStore())
	require.NoError(t, node.StateStore().Save(ctx, "opscoord.coordinator", []byte(`{"requests":[]}`)))
	require.NoError(t, node.Shutdown())

	//the log replays into a fresh fsm
	cfg.Bootstrap = false
	node, err = NewNode(cfg)
	require.NoError(t, err)
	defer node.Shutdown()

	require.Eventually(t, func() bool {
		all, _ := node.Board().ReadAll(ctx, "locks")
		return string(all["n1"]) == `[{"lock":"restart","timestamp":9}]`
	}, 10*time.Second, 50*time.Millisecond)

	data, err := node.StateStore().Load(ctx, "opscoord.coordinator")
	require.NoError(t, err)
	assert.Equal(t, `{"requests":[]}`, string(data))
}
