package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
)

const nodeIDFile = "node-id"

// returns the configured node id, or the one generated on first start and
// kept in dataDir. persisted coordinator state and board partitions are
// bound to it, so it must not change across restarts
func resolveNodeID(configured, dataDir string, log zerolog.Logger) (types.NodeID, error) {
	if configured != "" {
		return types.NodeID(configured), nil
	}

	path := filepath.Join(dataDir, nodeIDFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return types.NodeID(id), nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("failed to read node id: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to persist node id: %w", err)
	}
	log.Info().Str("node_id", id).Str("path", path).Msg("generated node id")
	return types.NodeID(id), nil
}
