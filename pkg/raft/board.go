package raft

import (
	"context"

	"github.com/pixperk/opscoord/pkg/bulletin"
	"github.com/pixperk/opscoord/pkg/types"
)

// Board is the bulletin board replicated through raft
// reads are served from the local fsm and may lag the leader, which the
// coordinator tolerates because it re-reads every tick
type Board struct {
	node *Node
}

var _ bulletin.Board = (*Board)(nil)

// returns the raft-replicated board for this node
func (n *Node) Board() *Board {
	return &Board{node: n}
}

func (b *Board) WriteLocal(ctx context.Context, key string, data []byte) error {
	err := b.node.submit(ctx, types.WritePartitionCommand{
		Node: b.node.ID(),
		Key:  key,
		Data: data,
	})
	return types.NewTransientError("raft write partition", err)
}

func (b *Board) ReadAll(_ context.Context, key string) (map[types.NodeID][]byte, error) {
	return b.node.fsm.ReadAll(key), nil
}

// only the raft leader writes here, followers are rejected without a round trip
func (b *Board) WriteLeaderPartition(_ context.Context, key string, data []byte) error {
	if !b.node.IsLeader() {
		return types.ErrNotLeader
	}
	_, err := b.node.Apply(types.WriteLeaderPartitionCommand{
		Leader: b.node.ID(),
		Key:    key,
		Data:   data,
	})
	if err == types.ErrNotLeader {
		return err
	}
	return types.NewTransientError("raft write leader partition", err)
}

func (b *Board) ReadLeaderPartition(_ context.Context, key string) ([]byte, error) {
	return b.node.fsm.ReadLeader(key), nil
}
