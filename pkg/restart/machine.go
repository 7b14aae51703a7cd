// Package restart turns "restart these services" into a unit of work gated
// by the fleet lock.
//
// A Machine is driven once per tick with the pending Op. It requests the
// lock, restarts the services in order once granted, asks node logic to
// validate the result and settles or defers. Deferred ops are handed back
// to the control loop, which delivers them again on a later tick.
package restart

import (
	"context"
	"fmt"
	"sync"

	"github.com/pixperk/opscoord/pkg/metrics"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
)

// Lock is the lock every restart is serialized under
const Lock types.LockName = "restart"

type State int

const (
	StateIdle State = iota
	StateRequested
	StateExecuting
	StateVerifying
	StateSettled
	StateDeferred
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateExecuting:
		return "executing"
	case StateVerifying:
		return "verifying"
	case StateSettled:
		return "settled"
	case StateDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome tells the control loop what to do with the op it delivered
type Outcome int

const (
	// deliver the op again on a later tick
	OutcomeDeferred Outcome = iota
	// the op finished, drop it
	OutcomeSettled
	// no restart is needed any more, drop it
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeferred:
		return "deferred"
	case OutcomeSettled:
		return "settled"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Locker is the part of the coordinator a restart needs
type Locker interface {
	Request(ctx context.Context, lock types.LockName) error
	Acquire(ctx context.Context, lock types.LockName) (bool, error)
	Withdraw(ctx context.Context, lock types.LockName) error
}

// Hooks is node logic: it owns the restart-needed flag and judges whether
// the restarted system is healthy
type Hooks interface {
	RestartNeeded() bool
	ClearRestartNeeded()
	// receives the op context once every service restarted
	Restarted(ctx context.Context, opCtx Context)
	// a non nil error re-queues the op
	Validate(ctx context.Context, opCtx Context) error
}

type Config struct {
	Locker    Locker
	Restarter Restarter
	Hooks     Hooks
	Logger    zerolog.Logger
}

type Machine struct {
	cfg Config
	log zerolog.Logger

	//guards state and op for readers outside the tick
	mu    sync.Mutex
	state State
	op    *Op
}

func NewMachine(cfg Config) *Machine {
	return &Machine{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "restart").Logger(),
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// returns the op in flight, nil when idle
func (m *Machine) Op() *Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.op
}

func (m *Machine) setOp(op *Op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.op = op
}

func (m *Machine) transition(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == to {
		return
	}
	metrics.RestartTransitionsTotal.WithLabelValues(m.state.String(), to.String()).Inc()
	m.log.Debug().Stringer("from", m.state).Stringer("to", to).Msg("restart state changed")
	m.state = to
}

// advances op as far as this tick allows
//
// The restart-needed flag guards every op: once one op settles and clears
// the flag, any other op still queued is Discarded, even one naming
// different services. Node logic that wants several services restarted
// together merges them into a single op, or sets the flag again before
// emitting the next one.
func (m *Machine) Handle(ctx context.Context, op *Op) (Outcome, error) {
	log := m.log.With().Str("op", op.ID.String()).Logger()

	//stacked or re-delivered events after the restart already happened
	if !m.cfg.Hooks.RestartNeeded() {
		return m.discard(ctx, op)
	}
	m.setOp(op)

	if m.State() != StateRequested {
		if err := m.cfg.Locker.Request(ctx, Lock); err != nil {
			return OutcomeDeferred, err
		}
		m.transition(StateRequested)
	}

	granted, err := m.cfg.Locker.Acquire(ctx, Lock)
	if err != nil {
		return OutcomeDeferred, err
	}
	if !granted {
		log.Debug().Msg("waiting for restart lock")
		return OutcomeDeferred, nil
	}

	//the grant is consumed from here on, whatever the services do
	m.transition(StateExecuting)
	for _, svc := range op.Services {
		err := m.cfg.Restarter.Restart(ctx, svc)
		metrics.ServiceRestartTotal.WithLabelValues(svc, metrics.Status(err)).Inc()
		if err != nil {
			log.Warn().Err(err).Str("service", svc).Msg("service restart failed")
			m.transition(StateDeferred)
			return OutcomeDeferred, fmt.Errorf("%w: %s: %v", types.ErrServiceRestart, svc, err)
		}
		log.Info().Str("service", svc).Msg("service restarted")
	}

	m.transition(StateVerifying)
	m.cfg.Hooks.Restarted(ctx, op.Context)
	if err := m.cfg.Hooks.Validate(ctx, op.Context); err != nil {
		log.Warn().Err(err).Msg("restart validation failed, queueing again")
		m.transition(StateDeferred)

		//back of the queue with a fresh timestamp
		if rerr := m.cfg.Locker.Request(ctx, Lock); rerr != nil {
			return OutcomeDeferred, rerr
		}
		m.transition(StateRequested)
		return OutcomeDeferred, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}

	actionErr := op.RunAction()
	m.cfg.Hooks.ClearRestartNeeded()
	m.transition(StateSettled)
	m.setOp(nil)
	log.Info().Strs("services", op.Services).Msg("restart settled")

	if actionErr != nil {
		return OutcomeSettled, fmt.Errorf("post-restart action: %w", actionErr)
	}
	return OutcomeSettled, nil
}

// drops op; a request we still have queued would otherwise earn a grant
// nobody consumes and stall the fleet
func (m *Machine) discard(ctx context.Context, op *Op) (Outcome, error) {
	if m.State() == StateRequested {
		if err := m.cfg.Locker.Withdraw(ctx, Lock); err != nil {
			return OutcomeDeferred, err
		}
	}
	m.setOp(nil)
	m.transition(StateIdle)
	m.log.Debug().Str("op", op.ID.String()).Msg("restart no longer needed, dropping")
	return OutcomeDiscarded, nil
}
