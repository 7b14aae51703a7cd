package coordinator

import (
	"sort"
	"time"

	"github.com/pixperk/opscoord/pkg/types"
)

// last requests read from a peer's partition
type peerView struct {
	requests []types.Request
	seenAt   time.Time
}

// queues groups requests per lock, oldest first
func queues(requests []types.Request) map[types.LockName][]types.Request {
	out := make(map[types.LockName][]types.Request)
	for _, r := range requests {
		out[r.Lock] = append(out[r.Lock], r)
	}
	for _, q := range out {
		sort.Slice(q, func(i, j int) bool { return q[i].Before(q[j]) })
	}
	return out
}

// arbitrate derives the next grant table from the published one
//
// a grant stands while its holder still publishes the request that earned
// it, matched by timestamp. a lock with no standing grant goes to the head
// of its queue. the result depends only on the inputs, so repeated rounds
// over the same board converge on the same table.
func arbitrate(current map[types.LockName]types.Grant, q map[types.LockName][]types.Request) map[types.LockName]types.Grant {
	next := make(map[types.LockName]types.Grant, len(q))

	for lock, queue := range q {
		if len(queue) == 0 {
			continue
		}

		if g, ok := current[lock]; ok && holds(queue, g) {
			next[lock] = g
			continue
		}

		head := queue[0]
		next[lock] = types.Grant{Lock: lock, Holder: head.Requester, Timestamp: head.Timestamp}
	}
	return next
}

func holds(queue []types.Request, g types.Grant) bool {
	for _, r := range queue {
		if r.Requester == g.Holder && r.Timestamp == g.Timestamp {
			return true
		}
	}
	return false
}

// collects the requests arbitration works on: our own live requests plus
// every peer seen within the withdraw grace
// peers past the grace are forgotten and their requests count as withdrawn
func (c *Coordinator) effectiveRequestsLocked() []types.Request {
	var out []types.Request
	for node, view := range c.peers {
		if node == c.cfg.Node {
			continue
		}
		out = append(out, view.requests...)
	}
	for _, r := range c.state.Requests {
		out = append(out, r)
	}
	return out
}

// folds a fresh board read into the peer views
func (c *Coordinator) observePeersLocked(partitions map[types.NodeID][]byte, now time.Time) {
	seen := make(map[types.NodeID]bool, len(partitions))

	for node, data := range partitions {
		if node == c.cfg.Node {
			continue
		}
		reqs, err := decodeRequests(node, data)
		if err != nil {
			//an unreadable partition counts as absent
			c.log.Warn().Err(err).Str("peer", string(node)).Msg("skipping unreadable partition")
			continue
		}
		seen[node] = true
		for _, r := range reqs {
			c.clock.Observe(r.Timestamp)
		}
		c.peers[node] = peerView{requests: reqs, seenAt: now}
	}

	for node, view := range c.peers {
		if seen[node] {
			continue
		}
		if c.cfg.WithdrawGrace > 0 && now.Sub(view.seenAt) <= c.cfg.WithdrawGrace {
			continue
		}
		if len(view.requests) > 0 {
			c.log.Info().Str("peer", string(node)).Int("requests", len(view.requests)).Msg("peer partition gone, treating its requests as withdrawn")
		}
		delete(c.peers, node)
	}
}
