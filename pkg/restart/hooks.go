package restart

import (
	"context"
	"sync"
)

// FlagHooks keeps the restart-needed flag in memory and delegates the
// callbacks to optional functions
type FlagHooks struct {
	mu     sync.Mutex
	needed bool

	OnRestarted func(ctx context.Context, opCtx Context)
	OnValidate  func(ctx context.Context, opCtx Context) error
}

var _ Hooks = (*FlagHooks)(nil)

func (h *FlagHooks) SetRestartNeeded() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.needed = true
}

func (h *FlagHooks) RestartNeeded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.needed
}

func (h *FlagHooks) ClearRestartNeeded() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.needed = false
}

func (h *FlagHooks) Restarted(ctx context.Context, opCtx Context) {
	if h.OnRestarted != nil {
		h.OnRestarted(ctx, opCtx)
	}
}

func (h *FlagHooks) Validate(ctx context.Context, opCtx Context) error {
	if h.OnValidate != nil {
		return h.OnValidate(ctx, opCtx)
	}
	return nil
}
