package raft

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pixperk/opscoord/pkg/fsm"
	"github.com/pixperk/opscoord/pkg/metrics"
	"github.com/pixperk/opscoord/pkg/storage"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
)

const applyTimeout = 5 * time.Second

// Forwarder ships a command to the leader when this node is a follower
// raft only accepts log entries on the leader
type Forwarder interface {
	Forward(ctx context.Context, leaderRaftAddr string, cmd types.Command) error
}

// wraps a raft inst with the board fsm and provides a clean api
// raft also answers the "am I leader?" question for the coordinator
type Node struct {
	raft      *raft.Raft
	fsm       *fsm.FSM
	raftFSM   *fsm.RaftFSM
	stores    *storage.BoltDBStorage
	transport raft.Transport
	cfg       *Config
	log       zerolog.Logger
}

type Config struct {
	NodeID    types.NodeID //unique ID for this node
	BindAddr  string       //net addr to bind Raft communication
	DataDir   string       //data directory for Raft storage
	Bootstrap bool         //if this is the first node in the cluster

	// optional, tests plug in raft.NewInmemTransport here
	// when set, in-memory log/stable/snapshot stores are used too
	Transport raft.Transport

	Forwarder Forwarder
	Logger    zerolog.Logger
}

func NewNode(cfg *Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}

	raftFSM := fsm.NewRaftFSM()
	stateMachine := raftFSM.GetFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = nil
	raftCfg.LogLevel = "WARN"

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	var (
		logStore      raft.LogStore
		stableStore   raft.StableStore
		snapshotStore raft.SnapshotStore
		stores        *storage.BoltDBStorage
		transport     = cfg.Transport
	)

	if transport != nil {
		inmem := raft.NewInmemStore()
		logStore, stableStore = inmem, inmem
		snapshotStore = raft.NewInmemSnapshotStore()
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}

		//add boltDB storage
		var err error
		stores, err = storage.NewBoltDBStorage(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create stores: %w", err)
		}
		logStore, stableStore, snapshotStore = stores.LogStore, stores.StableStore, stores.SnapshotStore

		//tcp transport for inter-node communication
		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
		}

		transport, err = raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		if stores != nil {
			stores.Close()
		}
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}

		r.BootstrapCluster(configuration)
	}

	return &Node{
		raft:      r,
		fsm:       stateMachine,
		raftFSM:   raftFSM,
		stores:    stores,
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "raft").Logger(),
	}, nil
}

// apply a command to the Raft cluster
// only valid on the leader
func (n *Node) Apply(cmd types.Command) (any, error) {
	data, err := types.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if err == raft.ErrNotLeader {
			return nil, types.ErrNotLeader
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	//the fsm hands errors back as the response
	if err, ok := future.Response().(error); ok {
		return nil, err
	}

	metrics.RaftAppliedIndex.Set(float64(future.Index()))
	return future.Response(), nil
}

// applies locally when leading, otherwise forwards to the leader
func (n *Node) submit(ctx context.Context, cmd types.Command) error {
	if n.IsLeader() {
		_, err := n.Apply(cmd)
		return err
	}

	leader := n.GetLeader()
	if leader == "" {
		return types.ErrNoLeader
	}
	if n.cfg.Forwarder == nil {
		return fmt.Errorf("not leader and no forwarder configured (leader at %s)", leader)
	}
	return n.cfg.Forwarder.Forward(ctx, leader, cmd)
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	leader := n.raft.State() == raft.Leader
	if leader {
		metrics.RaftIsLeader.Set(1)
	} else {
		metrics.RaftIsLeader.Set(0)
	}
	return leader
}

// returns the leader's raft address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

// returns the leader's node id
func (n *Node) LeaderID() types.NodeID {
	_, id := n.raft.LeaderWithID()
	return types.NodeID(id)
}

// returns this node's id
func (n *Node) ID() types.NodeID {
	return n.cfg.NodeID
}

// returns this node's raft address
func (n *Node) Addr() string {
	return string(n.transport.LocalAddr())
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// adds a voter to the cluster, only valid on the leader
// a node already present under the same id and address is left alone
func (n *Node) Join(nodeID types.NodeID, addr string) error {
	n.log.Info().Str("node", string(nodeID)).Str("addr", addr).Msg("received join request")

	configFuture := n.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return fmt.Errorf("failed to get raft configuration: %w", err)
	}

	for _, srv := range configFuture.Configuration().Servers {
		// If a node already exists with either the joining node's ID or address,
		// that node may need to be removed from the config first.
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(addr) {
			if srv.Address == raft.ServerAddress(addr) && srv.ID == raft.ServerID(nodeID) {
				n.log.Info().Str("node", string(nodeID)).Msg("already member of cluster, ignoring join")
				return nil
			}

			future := n.raft.RemoveServer(srv.ID, 0, 0)
			if err := future.Error(); err != nil {
				return fmt.Errorf("error removing existing node %s at %s: %w", nodeID, addr, err)
			}
		}
	}

	f := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0)
	if err := f.Error(); err != nil {
		if err == raft.ErrNotLeader {
			return types.ErrNotLeader
		}
		return err
	}
	n.log.Info().Str("node", string(nodeID)).Str("addr", addr).Msg("node joined")
	return nil
}

// removes a node from the cluster and drops its board partition, so its
// requests are withdrawn on every peer's next read. only valid on the leader
func (n *Node) Leave(nodeID types.NodeID) error {
	n.log.Info().Str("node", string(nodeID)).Msg("received leave request")

	f := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 0)
	if err := f.Error(); err != nil {
		if err == raft.ErrNotLeader {
			return types.ErrNotLeader
		}
		return fmt.Errorf("failed to remove node %s: %w", nodeID, err)
	}

	if _, err := n.Apply(types.RemovePartitionCommand{Node: nodeID}); err != nil {
		return fmt.Errorf("failed to drop partition of %s: %w", nodeID, err)
	}
	n.log.Info().Str("node", string(nodeID)).Msg("node left")
	return nil
}

// returns the number of servers in the raft configuration
func (n *Node) GetClusterSize() int {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	size := len(future.Configuration().Servers)
	metrics.RaftPeers.Set(float64(size))
	return size
}

// returns the raft state (Leader, Follower, Candidate, Shutdown)
func (n *Node) GetState() raft.RaftState {
	return n.raft.State()
}

// returns board FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// coordinator state kept next to raft metadata in raft.db
// nil for nodes running on in-memory stores
func (n *Node) StateStore() *storage.BoltStateStore {
	if n.stores == nil {
		return nil
	}
	return storage.NewStableStateStore(n.stores.StableStore)
}

// gracefully shuts down the Raft node
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	if n.stores != nil {
		if cerr := n.stores.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
