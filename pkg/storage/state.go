package storage

import (
	"context"
	"sync"

	"github.com/pixperk/opscoord/pkg/types"
)

// StateStore persists opaque records across process restarts
// the coordinator keeps exactly one record under a fixed key
// Load returns types.ErrKeyNotFound for a key never saved
type StateStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Close() error
}

// MemoryStateStore keeps records in process memory
// it survives coordinator re-construction but not the process
type MemoryStateStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{records: make(map[string][]byte)}
}

func (m *MemoryStateStore) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.records[key]
	if !ok {
		return nil, types.ErrKeyNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStateStore) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStateStore) Close() error { return nil }
