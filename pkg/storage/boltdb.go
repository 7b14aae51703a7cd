package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pixperk/opscoord/pkg/types"
)

// BoltDBStorage wraps Raft's BoltDB storage components
// logstore : stores the Raft log entries
// stablestore : stores stable Raft metadata [stable = survives restarts]
// snapshotstore : stores snapshots of the bulletin board FSM
type BoltDBStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore
}

func NewBoltDBStorage(dataDir string) (*BoltDBStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "raft.db")

	//boltDB is used for both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: dbPath,
	})
	if err != nil {
		return nil, err
	}

	//snapshot store (file-based)
	snapshotDir := filepath.Join(dataDir, "snapshots")
	snapShotStore, err := raft.NewFileSnapshotStore(snapshotDir, 3, os.Stderr)
	if err != nil {
		boltDB.Close()
		return nil, err
	}

	return &BoltDBStorage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapShotStore,
	}, nil
}

func (b *BoltDBStorage) Close() error {
	if closer, ok := b.LogStore.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// BoltStateStore keeps coordinator records in a bolt file through raft's
// StableStore contract, so the same key/value layer backs raft metadata
// and coordinator state
type BoltStateStore struct {
	stable raft.StableStore
	closer func() error
}

// opens (or creates) state.db under dataDir
func OpenBoltStateStore(dataDir string) (*BoltStateStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(dataDir, "state.db"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	return &BoltStateStore{stable: boltDB, closer: boltDB.Close}, nil
}

// wraps an existing stable store, the caller keeps ownership of it
func NewStableStateStore(stable raft.StableStore) *BoltStateStore {
	return &BoltStateStore{stable: stable}
}

func (b *BoltStateStore) Load(_ context.Context, key string) ([]byte, error) {
	data, err := b.stable.Get([]byte(key))
	if err != nil {
		//raft's stable stores report a missing key as "not found"
		if errors.Is(err, raftboltdb.ErrKeyNotFound) || err.Error() == "not found" {
			return nil, types.ErrKeyNotFound
		}
		return nil, types.NewTransientError("load state", err)
	}
	return data, nil
}

func (b *BoltStateStore) Save(_ context.Context, key string, data []byte) error {
	if err := b.stable.Set([]byte(key), data); err != nil {
		return types.NewTransientError("save state", err)
	}
	return nil
}

func (b *BoltStateStore) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}
