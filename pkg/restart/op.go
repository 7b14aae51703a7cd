package restart

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Context is the node state a restart was requested under
// it is handed back to node logic once the services are up again
type Context map[string]any

// Action runs after a restart settled
type Action func(args ...any) error

// Op is one pending restart: which services, in which order, and why
// ops are never persisted; after a crash node logic recreates them
type Op struct {
	ID       ulid.ULID
	Context  Context
	Services []string

	action Action
	args   []any
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

func NewOp(ctx Context, services ...string) *Op {
	return &Op{
		ID:       newID(),
		Context:  ctx,
		Services: append([]string(nil), services...),
	}
}

// stores an action to run once the restart settles, replacing any
// previous one
func (o *Op) SaveAction(fn Action, args ...any) {
	o.action = fn
	o.args = args
}

// runs the saved action, a no-op without one
func (o *Op) RunAction() error {
	if o.action == nil {
		return nil
	}
	return o.action(o.args...)
}
