// Package agent drives the coordinator and the restart machine from a
// control loop. Each tick resumes the coordinator, delivers queued restart
// events and releases; whatever fails is retried on the next tick.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pixperk/opscoord/pkg/metrics"
	"github.com/pixperk/opscoord/pkg/restart"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Leadership answers "am I leader?" once per tick
type Leadership interface {
	IsLeader() bool
}

// StaticLeadership is leadership fixed by configuration
type StaticLeadership bool

func (s StaticLeadership) IsLeader() bool { return bool(s) }

// Coordinator is the tick surface of the lock coordinator
type Coordinator interface {
	Initialize(ctx context.Context) error
	Resume(ctx context.Context, isLeader bool, now time.Time) error
	Release(ctx context.Context) error
	Node() types.NodeID
	Snapshot() ([]types.Request, []types.Grant)
}

// Machine handles restart ops
type Machine interface {
	Handle(ctx context.Context, op *restart.Op) (restart.Outcome, error)
	State() restart.State
	Op() *restart.Op
}

type Config struct {
	Coordinator Coordinator
	Machine     Machine

	// called after every tick, e.g. to flip health status
	OnTick func(result TickResult, err error)

	Logger zerolog.Logger
}

// TickResult summarizes one tick
type TickResult struct {
	Leader    bool
	Delivered int
	Settled   int
	Discarded int
	Deferred  int
}

type Agent struct {
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	queue []*restart.Op
}

func New(cfg Config) *Agent {
	return &Agent{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "agent").Logger(),
	}
}

// queues a restart-requested event for the next tick
func (a *Agent) Emit(op *restart.Op) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, op)
	a.log.Info().Str("op", op.ID.String()).Strs("services", op.Services).Msg("restart requested")
}

// number of events waiting for delivery
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// one pass of the control loop
// release runs even when resume failed, so local state is still persisted
func (a *Agent) Tick(ctx context.Context, isLeader bool, now time.Time) (TickResult, error) {
	ctx, span := metrics.StartSpan(ctx, "opscoord.tick", attribute.Bool("leader", isLeader))
	defer span.End()

	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	result := TickResult{Leader: isLeader}
	var errs []error

	if err := a.cfg.Coordinator.Initialize(ctx); err != nil {
		metrics.TickErrorsTotal.WithLabelValues("initialize").Inc()
		errs = append(errs, fmt.Errorf("initialize: %w", err))
	} else if err := a.cfg.Coordinator.Resume(ctx, isLeader, now); err != nil {
		metrics.TickErrorsTotal.WithLabelValues("resume").Inc()
		errs = append(errs, fmt.Errorf("resume: %w", err))
	} else if err := a.deliver(ctx, &result); err != nil {
		metrics.TickErrorsTotal.WithLabelValues("handle").Inc()
		errs = append(errs, fmt.Errorf("handle: %w", err))
	}

	if err := a.cfg.Coordinator.Release(ctx); err != nil {
		metrics.TickErrorsTotal.WithLabelValues("release").Inc()
		errs = append(errs, fmt.Errorf("release: %w", err))
	}

	err := errors.Join(errs...)
	metrics.RecordSpanError(ctx, err)
	if a.cfg.OnTick != nil {
		a.cfg.OnTick(result, err)
	}
	return result, err
}

// hands every queued op to the machine in order
// deferred ops stay queued, a transient failure stops delivery for this tick
func (a *Agent) deliver(ctx context.Context, result *TickResult) error {
	a.mu.Lock()
	pending := a.queue
	a.queue = nil
	a.mu.Unlock()

	var (
		kept    []*restart.Op
		tickErr error
	)
	for i, op := range pending {
		if tickErr != nil {
			kept = append(kept, pending[i:]...)
			break
		}

		outcome, err := a.cfg.Machine.Handle(ctx, op)
		result.Delivered++

		switch outcome {
		case restart.OutcomeSettled:
			result.Settled++
		case restart.OutcomeDiscarded:
			result.Discarded++
		default:
			result.Deferred++
			kept = append(kept, op)
		}

		switch {
		case err == nil:
		case types.IsTransient(err):
			tickErr = err
		default:
			//restart and validation failures belong to node logic
			a.log.Warn().Err(err).Str("op", op.ID.String()).Stringer("outcome", outcome).Msg("restart op did not settle")
		}
	}

	a.mu.Lock()
	a.queue = append(kept, a.queue...)
	a.mu.Unlock()
	return tickErr
}

// ticks every interval until ctx is done
func (a *Agent) Run(ctx context.Context, interval time.Duration, leadership Leadership) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := a.Tick(ctx, leadership.IsLeader(), time.Now())
		if err != nil {
			a.log.Warn().Err(err).Msg("tick failed, retrying next interval")
		} else if result.Delivered > 0 {
			a.log.Debug().Int("settled", result.Settled).Int("deferred", result.Deferred).Int("discarded", result.Discarded).Msg("tick done")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// local view for the status endpoint
func (a *Agent) Status() types.NodeStatus {
	reqs, grants := a.cfg.Coordinator.Snapshot()
	status := types.NodeStatus{
		ID:           a.cfg.Coordinator.Node(),
		Requests:     reqs,
		Grants:       grants,
		RestartState: a.cfg.Machine.State().String(),
	}
	if op := a.cfg.Machine.Op(); op != nil {
		status.RestartOp = op.ID.String()
	}
	return status
}
