package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pixperk/opscoord/pkg/agent"
	"github.com/pixperk/opscoord/pkg/bulletin"
	"github.com/pixperk/opscoord/pkg/client"
	"github.com/pixperk/opscoord/pkg/config"
	"github.com/pixperk/opscoord/pkg/coordinator"
	"github.com/pixperk/opscoord/pkg/gateway"
	"github.com/pixperk/opscoord/pkg/metrics"
	"github.com/pixperk/opscoord/pkg/raft"
	"github.com/pixperk/opscoord/pkg/restart"
	"github.com/pixperk/opscoord/pkg/server"
	"github.com/pixperk/opscoord/pkg/storage"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	joinAttempts = 5
	joinBackoff  = 2 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator agent on this node",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("node.id", "", "Unique node ID (generated once and kept in the data dir if empty)")
	f.String("node.data_dir", "./data", "Data directory for raft and state storage")
	f.Duration("tick.interval", 10*time.Second, "Time between coordinator ticks")
	f.Duration("tick.withdraw_grace", 0, "How long a vanished peer's requests still count")
	f.Bool("tick.release_unconsumed", false, "Retire granted requests the tick did not consume")
	f.String("board.backend", "raft", "Bulletin board backend (raft, zookeeper, s3)")
	f.Bool("board.leader", false, "Act as leader (zookeeper and s3 boards)")
	f.String("raft.bind_addr", "127.0.0.1:7000", "Raft bind address, HTTP listens one port above")
	f.Bool("raft.bootstrap", false, "Bootstrap a new raft cluster")
	f.String("raft.join", "", "HTTP address of a cluster member to join")
	f.StringSlice("zookeeper.servers", []string{"127.0.0.1:2181"}, "ZooKeeper servers")
	f.String("s3.bucket", "", "S3 bucket for the board")
	f.String("s3.endpoint", "", "S3 endpoint (defaults to AWS)")
	f.String("state.backend", "bolt", "Coordinator state store (bolt, sqlite)")
	f.String("server.http_addr", ":8080", "HTTP address for non raft boards")
	f.String("server.health_addr", ":9000", "gRPC health address")
	f.String("tracing.endpoint", "", "OTLP HTTP endpoint, tracing is off when empty")
}

// components is everything run starts and has to stop again
type components struct {
	nodeID   types.NodeID
	board    bulletin.Board
	leader   agent.Leadership
	raftNode *raft.Node
	store    storage.StateStore
	httpAddr string

	closers []func() error
}

func (c *components) close(log zerolog.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Warn().Err(err).Msg("shutdown step failed")
		}
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := metrics.InitTracing(ctx, "opscoord", Version, cfg.Tracing.Endpoint, log); err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}
	defer metrics.ShutdownTracing()

	nodeID, err := resolveNodeID(cfg.Node.ID, cfg.Node.DataDir, log)
	if err != nil {
		return err
	}
	log = log.With().Str("node_id", string(nodeID)).Logger()

	comps, err := openComponents(ctx, cfg, nodeID, log)
	if err != nil {
		return err
	}
	defer comps.close(log)

	provider := coordinator.NewProvider(coordinator.Config{
		Node:              nodeID,
		Board:             comps.board,
		Store:             comps.store,
		Key:               cfg.Board.Key,
		WithdrawGrace:     cfg.Tick.WithdrawGrace,
		ReleaseUnconsumed: cfg.Tick.ReleaseUnconsumed,
		Logger:            log,
	})
	coord := provider.Get()

	hooks := &restart.FlagHooks{
		OnRestarted: func(_ context.Context, opCtx restart.Context) {
			log.Info().Interface("context", opCtx).Msg("services restarted")
		},
	}
	machine := restart.NewMachine(restart.Config{
		Locker:    coord,
		Restarter: restart.Systemd{Command: cfg.Restart.Systemctl, Logger: log},
		Hooks:     hooks,
		Logger:    log,
	})

	health := server.NewHealth()
	ag := agent.New(agent.Config{
		Coordinator: coord,
		Machine:     machine,
		OnTick: func(_ agent.TickResult, err error) {
			health.SetServing(err == nil)
		},
		Logger: log,
	})

	var httpNode server.Node
	if comps.raftNode != nil {
		httpNode = comps.raftNode
	}
	srv := server.NewServer(httpNode, ag.Status, log).OnRestart(func(req client.RestartRequest) {
		hooks.SetRestartNeeded()
		op := restart.NewOp(restart.Context(req.Context), req.Services...)
		log.Info().Str("op", op.ID.String()).Strs("services", op.Services).Msg("restart requested")
		ag.Emit(op)
	})

	gw := gateway.NewServer(comps.httpAddr, srv.Router())
	go func() {
		log.Info().Str("addr", comps.httpAddr).Msg("http server listening")
		if err := gw.Start(ctx); err != nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	healthLis, err := net.Listen("tcp", cfg.Server.HealthAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.HealthAddr, err)
	}
	go func() {
		if err := health.Serve(healthLis); err != nil {
			log.Error().Err(err).Msg("health server failed")
		}
	}()

	if comps.raftNode != nil && cfg.Raft.Join != "" {
		if err := joinCluster(ctx, cfg.Raft.Join, nodeID, cfg.Raft.BindAddr, log); err != nil {
			return err
		}
	}

	metrics.Up.Set(1)
	log.Info().
		Str("board", cfg.Board.Backend).
		Str("state", cfg.State.Backend).
		Dur("interval", cfg.Tick.Interval).
		Msg("opscoord is ready")

	err = ag.Run(ctx, cfg.Tick.Interval, comps.leader)
	metrics.Up.Set(0)

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := gw.Stop(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("http server shutdown")
	}
	health.Stop()
	return err
}

// opens the board, leadership source and state store selected by cfg
func openComponents(ctx context.Context, cfg *config.Config, nodeID types.NodeID, log zerolog.Logger) (*components, error) {
	comps := &components{nodeID: nodeID, httpAddr: cfg.Server.HTTPAddr}

	ok := false
	defer func() {
		if !ok {
			comps.close(log)
		}
	}()

	switch cfg.Board.Backend {
	case "raft":
		httpAddr, err := client.HTTPAddr(cfg.Raft.BindAddr)
		if err != nil {
			return nil, err
		}
		node, err := raft.NewNode(&raft.Config{
			NodeID:    nodeID,
			BindAddr:  cfg.Raft.BindAddr,
			DataDir:   filepath.Join(cfg.Node.DataDir, "raft"),
			Bootstrap: cfg.Raft.Bootstrap,
			Forwarder: client.NewClient(5*time.Second, log),
			Logger:    log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create raft node: %w", err)
		}
		comps.closers = append(comps.closers, node.Shutdown)
		comps.raftNode = node
		comps.board = node.Board()
		comps.leader = node
		comps.httpAddr = httpAddr

	case "zookeeper":
		leader := agent.StaticLeadership(cfg.Board.Leader)
		board, err := bulletin.NewZKBoard(bulletin.ZKConfig{
			Connect:        strings.Join(cfg.ZK.Servers, ","),
			Prefix:         cfg.ZK.Prefix,
			Node:           nodeID,
			SessionTimeout: cfg.ZK.SessionTimeout,
			IsLeader:       leader.IsLeader,
			Logger:         log,
		})
		if err != nil {
			return nil, err
		}
		comps.closers = append(comps.closers, func() error { board.Close(); return nil })
		comps.board = board
		comps.leader = leader

	case "s3":
		leader := agent.StaticLeadership(cfg.Board.Leader)
		board, err := bulletin.NewS3Board(bulletin.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Insecure:       cfg.S3.Insecure,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Node:           nodeID,
			IsLeader:       leader.IsLeader,
			Logger:         log,
		})
		if err != nil {
			return nil, err
		}
		comps.board = board
		comps.leader = leader

	default:
		return nil, fmt.Errorf("unknown board backend %q", cfg.Board.Backend)
	}

	store, err := openStateStore(cfg, comps.raftNode)
	if err != nil {
		return nil, err
	}
	comps.store = store
	// the raft node owns its stable store, close the state store first
	comps.closers = append(comps.closers, store.Close)

	ok = true
	return comps, nil
}

func openStateStore(cfg *config.Config, node *raft.Node) (storage.StateStore, error) {
	switch cfg.State.Backend {
	case "bolt":
		if node != nil && cfg.State.Path == "" {
			if store := node.StateStore(); store != nil {
				return store, nil
			}
		}
		dir := cfg.State.Path
		if dir == "" {
			dir = cfg.Node.DataDir
		}
		return storage.OpenBoltStateStore(dir)
	case "sqlite":
		path := cfg.State.Path
		if path == "" {
			path = filepath.Join(cfg.Node.DataDir, "state.db")
		}
		return storage.OpenSQLiteStateStore(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

// asks an existing member to add this node as a voter
func joinCluster(ctx context.Context, httpAddr string, nodeID types.NodeID, raftAddr string, log zerolog.Logger) error {
	c := client.NewClient(5*time.Second, log)
	req := client.JoinRequest{ID: nodeID, Addr: raftAddr}

	var err error
	for attempt := 1; attempt <= joinAttempts; attempt++ {
		if err = c.Join(ctx, httpAddr, req); err == nil {
			log.Info().Str("via", httpAddr).Msg("joined raft cluster")
			return nil
		}
		if errors.Is(err, types.ErrValidation) {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("join failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(joinBackoff):
		}
	}
	return fmt.Errorf("failed to join cluster via %s: %w", httpAddr, err)
}
