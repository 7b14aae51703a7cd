package coordinator

import "sync"

// Provider hands out the one coordinator of a process
// build it once at start and pass it to every call site; all of them then
// share a single in-memory state
type Provider struct {
	once  sync.Once
	cfg   Config
	coord *Coordinator
}

func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// returns the coordinator, constructing it on first use
func (p *Provider) Get() *Coordinator {
	p.once.Do(func() {
		p.coord = New(p.cfg)
	})
	return p.coord
}
