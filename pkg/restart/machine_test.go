package restart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pixperk/opscoord/pkg/bulletin"
	"github.com/pixperk/opscoord/pkg/coordinator"
	"github.com/pixperk/opscoord/pkg/storage"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	restarted []string
	fail      map[string]error
}

func (r *recorder) Restart(_ context.Context, svc string) error {
	r.restarted = append(r.restarted, svc)
	return r.fail[svc]
}

func newCoord(hub *bulletin.Hub, id types.NodeID) *coordinator.Coordinator {
	return coordinator.New(coordinator.Config{
		Node:   id,
		Board:  hub.Board(id),
		Store:  storage.NewMemoryStateStore(),
		Logger: zerolog.Nop(),
	})
}

// runs op through one tick of c
func handleTick(t *testing.T, c *coordinator.Coordinator, m *Machine, leader bool, op *Op) (Outcome, error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Resume(ctx, leader, now))
	outcome, err := m.Handle(ctx, op)
	require.NoError(t, c.Release(ctx))
	return outcome, err
}

func TestSettlesOnceGranted(t *testing.T) {
	hub := bulletin.NewHub()
	c := newCoord(hub, "l")
	rec := &recorder{}

	var handedBack Context
	hooks := &FlagHooks{OnRestarted: func(_ context.Context, opCtx Context) { handedBack = opCtx }}
	hooks.SetRestartNeeded()

	m := NewMachine(Config{Locker: c, Restarter: rec, Hooks: hooks, Logger: zerolog.Nop()})

	op := NewOp(Context{"version": "2.1"}, "svc1", "svc2")
	var actionArgs []any
	op.SaveAction(func(args ...any) error {
		actionArgs = args
		return nil
	}, "reload", 3)

	//a leader grants itself within the tick
	outcome, err := handleTick(t, c, m, true, op)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
	assert.Equal(t, StateSettled, m.State())
	assert.Nil(t, m.Op())

	assert.Equal(t, []string{"svc1", "svc2"}, rec.restarted)
	assert.Equal(t, Context{"version": "2.1"}, handedBack)
	assert.Equal(t, []any{"reload", 3}, actionArgs)
	assert.False(t, hooks.RestartNeeded())
	assert.False(t, c.Requested(Lock))
}

// a second op in the same tick finds the flag cleared and is dropped
// unless node logic raises the flag again
func TestOpAfterSettleInSameTickIsDiscarded(t *testing.T) {
	ctx := context.Background()
	hub := bulletin.NewHub()
	c := newCoord(hub, "l")
	rec := &recorder{}
	hooks := &FlagHooks{}
	hooks.SetRestartNeeded()
	m := NewMachine(Config{Locker: c, Restarter: rec, Hooks: hooks, Logger: zerolog.Nop()})

	require.NoError(t, c.Resume(ctx, true, now))
	first, err := m.Handle(ctx, NewOp(nil, "svc1"))
	require.NoError(t, err)
	second, err := m.Handle(ctx, NewOp(nil, "svc2"))
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx))

	assert.Equal(t, OutcomeSettled, first)
	assert.Equal(t, OutcomeDiscarded, second)
	assert.Equal(t, []string{"svc1"}, rec.restarted)

	//raising the flag again lets the next op through
	hooks.SetRestartNeeded()
	outcome, err := handleTick(t, c, m, true, NewOp(nil, "svc2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
	assert.Equal(t, []string{"svc1", "svc2"}, rec.restarted)
}

func TestDeferredWhileWaiting(t *testing.T) {
	hub := bulletin.NewHub()
	c := newCoord(hub, "a")
	rec := &recorder{}
	hooks := &FlagHooks{}
	hooks.SetRestartNeeded()
	m := NewMachine(Config{Locker: c, Restarter: rec, Hooks: hooks, Logger: zerolog.Nop()})
	op := NewOp(nil, "svc1")

	outcome, err := handleTick(t, c, m, false, op)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.Equal(t, StateRequested, m.State())
	ts := c.State().Requests[Lock].Timestamp

	//re-delivery keeps the queue position
	outcome, err = handleTick(t, c, m, false, op)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.Equal(t, ts, c.State().Requests[Lock].Timestamp)
	assert.Empty(t, rec.restarted)
}

func TestServiceFailureFailsFast(t *testing.T) {
	hub := bulletin.NewHub()
	c := newCoord(hub, "l")
	rec := &recorder{fail: map[string]error{"svc2": errors.New("unit failed")}}
	hooks := &FlagHooks{}
	hooks.SetRestartNeeded()
	m := NewMachine(Config{Locker: c, Restarter: rec, Hooks: hooks, Logger: zerolog.Nop()})

	op := NewOp(nil, "svc1", "svc2", "svc3")
	outcome, err := handleTick(t, c, m, true, op)

	assert.Equal(t, OutcomeDeferred, outcome)
	assert.ErrorIs(t, err, types.ErrServiceRestart)
	assert.Equal(t, StateDeferred, m.State())
	assert.Equal(t, []string{"svc1", "svc2"}, rec.restarted, "svc3 never attempted")

	//the requester retired its request regardless of the failure
	assert.False(t, c.Requested(Lock))
	assert.True(t, hooks.RestartNeeded())

	//the next delivery queues again and can run to completion
	rec.fail = nil
	rec.restarted = nil
	outcome, err = handleTick(t, c, m, true, op)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
	assert.Equal(t, []string{"svc1", "svc2", "svc3"}, rec.restarted)
}

func TestValidationFailureRequeuesWithoutHandingOff(t *testing.T) {
	hub := bulletin.NewHub()
	hub.SetLeader("l")
	l := newCoord(hub, "l")
	a := newCoord(hub, "a")

	validations := 0
	hooks := &FlagHooks{OnValidate: func(context.Context, Context) error {
		validations++
		if validations == 1 {
			return errors.New("health check failed")
		}
		return nil
	}}
	hooks.SetRestartNeeded()
	rec := &recorder{}
	m := NewMachine(Config{Locker: a, Restarter: rec, Hooks: hooks, Logger: zerolog.Nop()})
	op := NewOp(nil, "svc1")

	leaderTick := func() types.Grant {
		ctx := context.Background()
		require.NoError(t, l.Resume(ctx, true, now))
		require.NoError(t, l.Release(ctx))
		_, grants := l.Snapshot()
		if len(grants) == 0 {
			return types.Grant{}
		}
		return grants[0]
	}

	outcome, err := handleTick(t, a, m, false, op)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, outcome)
	first := a.State().Requests[Lock].Timestamp

	assert.Equal(t, types.NodeID("a"), leaderTick().Holder)

	outcome, err = handleTick(t, a, m, false, op)
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, StateRequested, m.State())

	//back in the queue under a newer timestamp
	second := a.State().Requests[Lock].Timestamp
	assert.Greater(t, second, first)

	g := leaderTick()
	assert.Equal(t, types.Grant{Lock: Lock, Holder: "a", Timestamp: second}, g)

	outcome, err = handleTick(t, a, m, false, op)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
	assert.Equal(t, []string{"svc1", "svc1"}, rec.restarted)
}

func TestDiscardedWhenFlagClear(t *testing.T) {
	hub := bulletin.NewHub()
	c := newCoord(hub, "a")
	hooks := &FlagHooks{}
	m := NewMachine(Config{Locker: c, Restarter: &recorder{}, Hooks: hooks, Logger: zerolog.Nop()})

	outcome, err := handleTick(t, c, m, false, NewOp(nil, "svc1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, outcome)
	assert.False(t, c.Requested(Lock), "nothing requested for a discarded op")
	assert.Equal(t, StateIdle, m.State())
}

func TestDiscardWithdrawsQueuedRequest(t *testing.T) {
	hub := bulletin.NewHub()
	c := newCoord(hub, "a")
	hooks := &FlagHooks{}
	hooks.SetRestartNeeded()
	m := NewMachine(Config{Locker: c, Restarter: &recorder{}, Hooks: hooks, Logger: zerolog.Nop()})
	op := NewOp(nil, "svc1")

	outcome, _ := handleTick(t, c, m, false, op)
	require.Equal(t, OutcomeDeferred, outcome)
	require.True(t, c.Requested(Lock))

	//another path already handled the restart
	hooks.ClearRestartNeeded()
	outcome, err := handleTick(t, c, m, false, op)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, outcome)
	assert.False(t, c.Requested(Lock))
}

type brokenLocker struct {
	err error
}

func (b brokenLocker) Request(context.Context, types.LockName) error { return b.err }
func (b brokenLocker) Acquire(context.Context, types.LockName) (bool, error) {
	return false, b.err
}
func (b brokenLocker) Withdraw(context.Context, types.LockName) error { return b.err }

func TestLockerErrorsDefer(t *testing.T) {
	boom := types.NewTransientError("publish requests", errors.New("board down"))
	hooks := &FlagHooks{}
	hooks.SetRestartNeeded()
	m := NewMachine(Config{Locker: brokenLocker{err: boom}, Restarter: &recorder{}, Hooks: hooks, Logger: zerolog.Nop()})

	outcome, err := m.Handle(context.Background(), NewOp(nil, "svc1"))
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.True(t, types.IsTransient(err))
	assert.Equal(t, StateIdle, m.State())
}

func TestActionErrorStillSettles(t *testing.T) {
	hub := bulletin.NewHub()
	c := newCoord(hub, "l")
	hooks := &FlagHooks{}
	hooks.SetRestartNeeded()
	m := NewMachine(Config{Locker: c, Restarter: &recorder{}, Hooks: hooks, Logger: zerolog.Nop()})

	op := NewOp(nil, "svc1")
	op.SaveAction(func(...any) error { return errors.New("reload failed") })

	outcome, err := handleTick(t, c, m, true, op)
	assert.Equal(t, OutcomeSettled, outcome)
	assert.Error(t, err)
	assert.False(t, hooks.RestartNeeded())
}

func TestStateAndOutcomeStrings(t *testing.T) {
	assert.Equal(t, "verifying", StateVerifying.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.Equal(t, "discarded", OutcomeDiscarded.String())
}
