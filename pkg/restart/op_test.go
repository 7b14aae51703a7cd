package restart

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpIDsAreOrdered(t *testing.T) {
	a := NewOp(nil, "svc")
	b := NewOp(nil, "svc")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, -1, a.ID.Compare(b.ID))
}

func TestOpCopiesServices(t *testing.T) {
	services := []string{"svc1", "svc2"}
	op := NewOp(nil, services...)
	services[0] = "changed"
	assert.Equal(t, []string{"svc1", "svc2"}, op.Services)
}

func TestRunActionWithoutAction(t *testing.T) {
	assert.NoError(t, NewOp(nil).RunAction())
}

func TestSaveActionReplaces(t *testing.T) {
	op := NewOp(nil)
	calls := ""
	op.SaveAction(func(args ...any) error { calls += "first"; return nil })
	op.SaveAction(func(args ...any) error { calls += args[0].(string); return nil }, "second")

	require.NoError(t, op.RunAction())
	assert.Equal(t, "second", calls)
}

func TestSystemd(t *testing.T) {
	ctx := context.Background()

	//true and false stand in for systemctl
	require.NoError(t, Systemd{Command: "true"}.Restart(ctx, "nginx"))

	err := Systemd{Command: "false"}.Restart(ctx, "nginx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nginx")
}

func TestRestarterFunc(t *testing.T) {
	var got string
	var r Restarter = RestarterFunc(func(_ context.Context, svc string) error {
		got = svc
		return nil
	})
	require.NoError(t, r.Restart(context.Background(), "svc"))
	assert.Equal(t, "svc", got)
}
