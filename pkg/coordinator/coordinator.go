// Package coordinator serializes a disruptive operation across a fleet.
//
// Every node publishes its outstanding lock requests to its own bulletin
// board partition. The leader reads all partitions, grants each lock to the
// oldest request (ties broken by node id) and publishes the grant table to
// the leader partition. A grant stands until its holder retires the request
// that earned it, so at most one node holds a lock at any time.
//
// The coordinator is tick driven: Resume at the start of a tick, Acquire
// and friends during it, Release at the end. Nothing blocks waiting for a
// grant and nothing retries internally; the next tick is the retry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pixperk/opscoord/pkg/bulletin"
	"github.com/pixperk/opscoord/pkg/metrics"
	"github.com/pixperk/opscoord/pkg/storage"
	ltime "github.com/pixperk/opscoord/pkg/time"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultKey names the persisted record and the board key
const DefaultKey = "opscoord.coordinator"

type Config struct {
	Node  types.NodeID
	Board bulletin.Board
	Store storage.StateStore

	// Key scopes both the persisted record and the board partitions
	Key string

	// how long a peer partition may be missing from the board before its
	// requests count as withdrawn, 0 withdraws on the first missing read
	WithdrawGrace time.Duration

	// retire requests that were granted but not consumed by Acquire during
	// the tick, at Release
	ReleaseUnconsumed bool

	Logger zerolog.Logger
}

type Coordinator struct {
	mu    sync.Mutex
	cfg   Config
	log   zerolog.Logger
	clock *ltime.LogicalClock

	loaded bool
	state  State

	//tick scoped, leadership is never trusted past Release
	leader bool

	peers  map[types.NodeID]peerView
	queues map[types.LockName][]types.Request
}

func New(cfg Config) *Coordinator {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	return &Coordinator{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "coordinator").Str("node", string(cfg.Node)).Logger(),
		clock:  ltime.NewLogicalClock(0),
		state:  newState(),
		peers:  make(map[types.NodeID]peerView),
		queues: make(map[types.LockName][]types.Request),
	}
}

// loads the persisted state, once
// a missing record starts empty
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(ctx)
}

func (c *Coordinator) initializeLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}

	data, err := c.cfg.Store.Load(ctx, c.cfg.Key)
	switch {
	case errors.Is(err, types.ErrKeyNotFound):
		c.state = newState()
	case err != nil:
		return types.NewTransientError("load coordinator state", err)
	default:
		state, err := decodeState(data)
		if err != nil {
			return err
		}
		//a record written under another id would strand its grant on a
		//partition nobody retires
		for lock, req := range state.Requests {
			if req.Requester != c.cfg.Node {
				return fmt.Errorf("%w: persisted request for %q belongs to node %q, not %q",
					types.ErrValidation, lock, req.Requester, c.cfg.Node)
			}
		}
		c.state = state
	}

	c.clock.Observe(c.state.maxTimestamp())
	c.loaded = true
	c.log.Debug().Int("requests", len(c.state.Requests)).Int("grants", len(c.state.GrantsSeen)).Msg("state loaded")
	return nil
}

// start of tick: publish our requests, arbitrate when leading, take in the
// published grants and persist
func (c *Coordinator) Resume(ctx context.Context, isLeader bool, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.initializeLocked(ctx); err != nil {
		return err
	}
	c.leader = isLeader
	if !isLeader {
		c.queues = make(map[types.LockName][]types.Request)
	}

	//s1 : re-announce our requests, a lost write heals here
	if err := c.publishOwnLocked(ctx); err != nil {
		return err
	}

	//s2 : every node tracks peers so timestamps stay causal and a new
	//leader starts with warm grace bookkeeping
	partitions, err := c.cfg.Board.ReadAll(ctx, c.cfg.Key)
	if err != nil {
		return types.NewTransientError("read partitions", err)
	}
	c.observePeersLocked(partitions, now)

	published, err := c.readGrantsLocked(ctx)
	if err != nil {
		return err
	}

	//s3 : leader arbitrates and publishes
	if c.leader {
		published, err = c.arbitrateLocked(ctx, published)
		if err != nil {
			return err
		}
	}

	//s4 : merge and persist
	c.mergeGrantsLocked(published)
	return c.persistLocked(ctx)
}

// reports whether this node holds lock for its current request
// a true result retires the request in the same call, the caller must run
// its critical section now. false queues a request if there is none.
func (c *Coordinator) Acquire(ctx context.Context, lock types.LockName) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.initializeLocked(ctx); err != nil {
		return false, err
	}

	req, ok := c.state.Requests[lock]
	if !ok {
		req = c.requestLocked(lock)
	}

	//the leader may grant itself without waiting a tick
	if c.leader {
		published, err := c.readGrantsLocked(ctx)
		if err != nil {
			return false, err
		}
		published, err = c.arbitrateLocked(ctx, published)
		if err != nil {
			return false, err
		}
		c.mergeGrantsLocked(published)
	}

	g, ok := c.state.GrantsSeen[lock]
	if !ok || g.Holder != c.cfg.Node || g.Timestamp != req.Timestamp {
		metrics.LockAcquireTotal.WithLabelValues(string(lock), "waiting").Inc()
		return false, nil
	}

	delete(c.state.Requests, lock)
	metrics.LockAcquireTotal.WithLabelValues(string(lock), "granted").Inc()
	metrics.LockReleaseTotal.WithLabelValues(string(lock)).Inc()
	c.log.Info().Str("lock", string(lock)).Uint64("timestamp", req.Timestamp).Msg("lock acquired and retired")
	return true, nil
}

// makes sure a request for lock is outstanding, a no-op if one already is
func (c *Coordinator) Request(ctx context.Context, lock types.LockName) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.initializeLocked(ctx); err != nil {
		return err
	}
	if _, ok := c.state.Requests[lock]; !ok {
		c.requestLocked(lock)
	}
	return nil
}

func (c *Coordinator) requestLocked(lock types.LockName) types.Request {
	req := types.Request{
		Requester: c.cfg.Node,
		Lock:      lock,
		Timestamp: c.clock.Tick(),
	}
	c.state.Requests[lock] = req
	c.log.Info().Str("lock", string(lock)).Uint64("timestamp", req.Timestamp).Msg("lock requested")
	return req
}

// drops our request for lock, granted or not
func (c *Coordinator) Withdraw(ctx context.Context, lock types.LockName) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.initializeLocked(ctx); err != nil {
		return err
	}
	if _, ok := c.state.Requests[lock]; ok {
		delete(c.state.Requests, lock)
		c.log.Info().Str("lock", string(lock)).Msg("request withdrawn")
	}
	return nil
}

// end of tick: persist and re-announce so retirements reach the board now
func (c *Coordinator) Release(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.leader = false
	if !c.loaded {
		return nil
	}

	if c.cfg.ReleaseUnconsumed {
		for lock, req := range c.state.Requests {
			if req.Granted {
				delete(c.state.Requests, lock)
				metrics.LockReleaseTotal.WithLabelValues(string(lock)).Inc()
				c.log.Info().Str("lock", string(lock)).Msg("released unconsumed grant")
			}
		}
	}

	if err := c.persistLocked(ctx); err != nil {
		return err
	}
	return c.publishOwnLocked(ctx)
}

// writes a grant table to the leader partition
// non leaders are rejected before anything is written
func (c *Coordinator) PublishGrants(ctx context.Context, isLeader bool, grants []types.Grant) error {
	if !isLeader {
		return types.ErrNotLeader
	}

	table := make(map[types.LockName]types.Grant, len(grants))
	for _, g := range grants {
		if _, dup := table[g.Lock]; dup {
			return fmt.Errorf("%w: lock %q granted twice", types.ErrValidation, g.Lock)
		}
		table[g.Lock] = g
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishGrantsLocked(ctx, table)
}

func (c *Coordinator) publishGrantsLocked(ctx context.Context, table map[types.LockName]types.Grant) error {
	data, err := encodeGrants(table)
	if err != nil {
		return err
	}

	err = c.cfg.Board.WriteLeaderPartition(ctx, c.cfg.Key, data)
	metrics.BoardWriteTotal.WithLabelValues("leader", metrics.Status(err)).Inc()
	if errors.Is(err, types.ErrNotLeader) {
		return err
	}
	if err != nil {
		return types.NewTransientError("publish grants", err)
	}

	metrics.GrantsPublishedTotal.Inc()
	metrics.GrantsActive.Set(float64(len(table)))
	return nil
}

// runs one arbitration round over the published table, publishing only
// when it changed; returns the table now in force
func (c *Coordinator) arbitrateLocked(ctx context.Context, published map[types.LockName]types.Grant) (map[types.LockName]types.Grant, error) {
	c.queues = queues(c.effectiveRequestsLocked())
	for lock, q := range c.queues {
		metrics.LockQueueDepth.WithLabelValues(string(lock)).Set(float64(len(q)))
	}
	for lock := range published {
		if _, ok := c.queues[lock]; !ok {
			metrics.LockQueueDepth.WithLabelValues(string(lock)).Set(0)
		}
	}

	next := arbitrate(published, c.queues)
	if sameGrants(next, published) {
		return published, nil
	}

	err := c.publishGrantsLocked(ctx, next)
	if errors.Is(err, types.ErrNotLeader) {
		//leadership moved mid tick, the new leader arbitrates
		c.log.Warn().Msg("lost leadership while publishing grants")
		c.leader = false
		return published, nil
	}
	if err != nil {
		return nil, err
	}

	for lock, g := range next {
		if old, ok := published[lock]; !ok || old != g {
			c.log.Info().Str("lock", string(lock)).Str("holder", string(g.Holder)).Uint64("timestamp", g.Timestamp).Msg("lock granted")
		}
	}
	return next, nil
}

func (c *Coordinator) readGrantsLocked(ctx context.Context) (map[types.LockName]types.Grant, error) {
	data, err := c.cfg.Board.ReadLeaderPartition(ctx, c.cfg.Key)
	if err != nil {
		return nil, types.NewTransientError("read grants", err)
	}
	grants, err := decodeGrants(data)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		c.clock.Observe(g.Timestamp)
	}
	return grants, nil
}

// grants_seen mirrors the leader partition exactly
func (c *Coordinator) mergeGrantsLocked(published map[types.LockName]types.Grant) {
	seen := make(map[types.LockName]types.Grant, len(published))
	for lock, g := range published {
		seen[lock] = g
	}
	c.state.GrantsSeen = seen

	for lock, req := range c.state.Requests {
		g, ok := seen[lock]
		req.Granted = ok && g.Holder == c.cfg.Node && g.Timestamp == req.Timestamp
		c.state.Requests[lock] = req
	}
}

func (c *Coordinator) publishOwnLocked(ctx context.Context) error {
	data, err := encodeRequests(c.state.Requests)
	if err != nil {
		return err
	}
	err = c.cfg.Board.WriteLocal(ctx, c.cfg.Key, data)
	metrics.BoardWriteTotal.WithLabelValues("local", metrics.Status(err)).Inc()
	if err != nil {
		return types.NewTransientError("publish requests", err)
	}
	return nil
}

func (c *Coordinator) persistLocked(ctx context.Context) error {
	data, err := encodeState(c.state)
	if err != nil {
		return err
	}
	if err := c.cfg.Store.Save(ctx, c.cfg.Key, data); err != nil {
		return types.NewTransientError("save coordinator state", err)
	}
	return nil
}

// reports whether lock is granted to our current request, without
// consuming it
func (c *Coordinator) Granted(lock types.LockName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.state.Requests[lock]
	if !ok {
		return false
	}
	g, ok := c.state.GrantsSeen[lock]
	return ok && g.Holder == c.cfg.Node && g.Timestamp == req.Timestamp
}

// reports whether a request for lock is outstanding
func (c *Coordinator) Requested(lock types.LockName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.state.Requests[lock]
	return ok
}

// returns a copy of the local state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// returns the queue for lock as of the last arbitration, oldest first
// only the leader arbitrates, other nodes see nil
func (c *Coordinator) Queue(lock types.LockName) []types.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Request(nil), c.queues[lock]...)
}

// returns our own node id
func (c *Coordinator) Node() types.NodeID {
	return c.cfg.Node
}

// returns the grants and our requests, sorted by lock
func (c *Coordinator) Snapshot() ([]types.Request, []types.Grant) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqs := make([]types.Request, 0, len(c.state.Requests))
	for _, r := range c.state.Requests {
		reqs = append(reqs, r)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Lock < reqs[j].Lock })

	grants := make([]types.Grant, 0, len(c.state.GrantsSeen))
	for _, g := range c.state.GrantsSeen {
		grants = append(grants, g)
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Lock < grants[j].Lock })
	return reqs, grants
}
