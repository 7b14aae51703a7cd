package bulletin

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
)

// ZKConfig holds initialization parameters for a ZKBoard. Connect is a
// ZooKeeper connect string (comma separated hosts). Prefix is the root
// znode all partitions live under.
type ZKConfig struct {
	Connect        string
	Prefix         string
	Node           types.NodeID
	SessionTimeout time.Duration
	IsLeader       LeaderFunc
	Logger         zerolog.Logger
}

// ZKBoard keeps partitions as znodes:
//
//	<prefix>/<key>/units/<node>   node partitions
//	<prefix>/<key>/leader         leader partition
type ZKBoard struct {
	conn     *zk.Conn
	prefix   string
	node     types.NodeID
	isLeader LeaderFunc
	log      zerolog.Logger
}

var _ Board = (*ZKBoard)(nil)

// connects to ZooKeeper and returns a board bound to cfg.Node
func NewZKBoard(cfg ZKConfig) (*ZKBoard, error) {
	if cfg.Node == "" {
		return nil, fmt.Errorf("zookeeper board: node id is required")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	prefix := "/" + strings.Trim(cfg.Prefix, "/")
	if prefix == "/" {
		prefix = "/opscoord"
	}

	conn, _, err := zk.Connect(strings.Split(cfg.Connect, ","), cfg.SessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zookeeper connect: %w", err)
	}

	return &ZKBoard{
		conn:     conn,
		prefix:   prefix,
		node:     cfg.Node,
		isLeader: cfg.IsLeader,
		log:      cfg.Logger,
	}, nil
}

// Ready returns true if the client is connected or has a session.
func (z *ZKBoard) Ready() bool {
	switch z.conn.State() {
	case zk.StateConnected, zk.StateHasSession:
		return true
	default:
		return false
	}
}

func (z *ZKBoard) Close() {
	z.conn.Close()
}

func (z *ZKBoard) unitsPath(key string) string {
	return path.Join(z.prefix, key, "units")
}

func (z *ZKBoard) WriteLocal(_ context.Context, key string, data []byte) error {
	//ephemeral, a departed node's partition goes away with its session
	return z.put(path.Join(z.unitsPath(key), string(z.node)), data, zk.FlagEphemeral)
}

func (z *ZKBoard) ReadAll(_ context.Context, key string) (map[types.NodeID][]byte, error) {
	units, _, err := z.conn.Children(z.unitsPath(key))
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return map[types.NodeID][]byte{}, nil
		}
		return nil, types.NewTransientError("zookeeper children", fmt.Errorf("[%s] %w", z.unitsPath(key), err))
	}

	out := make(map[types.NodeID][]byte, len(units))
	for _, unit := range units {
		p := path.Join(z.unitsPath(key), unit)
		data, _, err := z.conn.Get(p)
		if err != nil {
			// departed between Children and Get
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return nil, types.NewTransientError("zookeeper get", fmt.Errorf("[%s] %w", p, err))
		}
		out[types.NodeID(unit)] = data
	}
	return out, nil
}

func (z *ZKBoard) WriteLeaderPartition(_ context.Context, key string, data []byte) error {
	if err := checkLeader(z.isLeader); err != nil {
		return err
	}
	return z.put(path.Join(z.prefix, key, "leader"), data, 0)
}

func (z *ZKBoard) ReadLeaderPartition(_ context.Context, key string) ([]byte, error) {
	p := path.Join(z.prefix, key, "leader")
	data, _, err := z.conn.Get(p)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, types.NewTransientError("zookeeper get", fmt.Errorf("[%s] %w", p, err))
	}
	return data, nil
}

// sets p to data, creating p and its parents on first write
func (z *ZKBoard) put(p string, data []byte, flags int32) error {
	_, err := z.conn.Set(p, data, -1)
	if err == nil {
		return nil
	}
	if !errors.Is(err, zk.ErrNoNode) {
		return types.NewTransientError("zookeeper set", fmt.Errorf("[%s] %w", p, err))
	}

	if err := z.ensureParents(p); err != nil {
		return err
	}
	_, err = z.conn.Create(p, data, flags, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		// lost a create race with ourselves on a previous tick
		_, err = z.conn.Set(p, data, -1)
	}
	if err != nil {
		return types.NewTransientError("zookeeper create", fmt.Errorf("[%s] %w", p, err))
	}
	z.log.Debug().Str("znode", p).Msg("created znode")
	return nil
}

func (z *ZKBoard) ensureParents(p string) error {
	parts := strings.Split(strings.Trim(path.Dir(p), "/"), "/")
	current := ""
	for _, part := range parts {
		current += "/" + part
		_, err := z.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return types.NewTransientError("zookeeper create", fmt.Errorf("[%s] %w", current, err))
		}
	}
	return nil
}
