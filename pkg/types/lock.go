package types

// lock name identifies one mutual exclusion domain, e.g. "restart"
// arbitration is independent per name
type LockName string

// node id identifies a peer; lexical order breaks timestamp ties
type NodeID string

// Request is a node's declared intent to hold a lock
// a node keeps at most one per lock and overwrites it rather than queueing twice
// timestamp is a logical clock value, only meaningful for ordering
type Request struct {
	Requester NodeID   `json:"requester"`
	Lock      LockName `json:"lock"`
	Timestamp uint64   `json:"timestamp"`
	Granted   bool     `json:"granted"`
}

// Grant authorizes exactly one node to hold a lock
// only the leader publishes grants
type Grant struct {
	Lock      LockName `json:"lock"`
	Holder    NodeID   `json:"holder"`
	Timestamp uint64   `json:"timestamp"`
}

// Before reports whether r is ahead of o in the arbitration queue
func (r Request) Before(o Request) bool {
	if r.Timestamp != o.Timestamp {
		return r.Timestamp < o.Timestamp
	}
	return r.Requester < o.Requester
}
