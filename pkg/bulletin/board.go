// Package bulletin holds the peer bulletin board: one partition per node,
// readable by every node and written only by its owner, plus a leader
// partition written only by the current leader.
//
// Writes from different nodes carry no ordering guarantee relative to each
// other. Callers must tolerate any interleaving of reads and writes.
package bulletin

import (
	"context"

	"github.com/pixperk/opscoord/pkg/types"
)

// Board is the peer data transport the coordinator publishes through.
//
// key scopes a value inside a partition so that independent users can
// share one board. A key that was never written reads as nil data and no
// error.
type Board interface {
	// WriteLocal replaces key in the caller's own partition.
	WriteLocal(ctx context.Context, key string, data []byte) error
	// ReadAll returns key from every partition that has it, own included.
	ReadAll(ctx context.Context, key string) (map[types.NodeID][]byte, error)
	// WriteLeaderPartition replaces key in the leader partition. Boards
	// that know the current leadership reject non-leaders with
	// types.ErrNotLeader.
	WriteLeaderPartition(ctx context.Context, key string, data []byte) error
	// ReadLeaderPartition returns key from the leader partition.
	ReadLeaderPartition(ctx context.Context, key string) ([]byte, error)
}

// LeaderFunc reports whether this process currently leads. Boards without
// their own notion of leadership use it to guard leader partition writes.
type LeaderFunc func() bool

func checkLeader(isLeader LeaderFunc) error {
	if isLeader != nil && !isLeader() {
		return types.ErrNotLeader
	}
	return nil
}

func clone(data []byte) []byte {
	if data == nil {
		return nil
	}
	return append([]byte(nil), data...)
}
