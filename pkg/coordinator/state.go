package coordinator

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pixperk/opscoord/pkg/types"
)

// State is what a node persists between ticks and process restarts
type State struct {
	Requests   map[types.LockName]types.Request `json:"requests"`
	GrantsSeen map[types.LockName]types.Grant   `json:"grants_seen"`
}

func newState() State {
	return State{
		Requests:   make(map[types.LockName]types.Request),
		GrantsSeen: make(map[types.LockName]types.Grant),
	}
}

func (s State) clone() State {
	out := newState()
	for k, v := range s.Requests {
		out.Requests[k] = v
	}
	for k, v := range s.GrantsSeen {
		out.GrantsSeen[k] = v
	}
	return out
}

// highest logical timestamp mentioned anywhere in the state
func (s State) maxTimestamp() uint64 {
	var max uint64
	for _, r := range s.Requests {
		if r.Timestamp > max {
			max = r.Timestamp
		}
	}
	for _, g := range s.GrantsSeen {
		if g.Timestamp > max {
			max = g.Timestamp
		}
	}
	return max
}

// map keys marshal sorted, so equal states encode to equal bytes
func encodeState(s State) ([]byte, error) {
	return json.Marshal(s)
}

func decodeState(data []byte) (State, error) {
	s := newState()
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode coordinator state: %w", err)
	}
	if s.Requests == nil {
		s.Requests = make(map[types.LockName]types.Request)
	}
	if s.GrantsSeen == nil {
		s.GrantsSeen = make(map[types.LockName]types.Grant)
	}
	return s, nil
}

// a node partition entry, the requester is the partition owner
type wireRequest struct {
	Lock      types.LockName `json:"lock"`
	Timestamp uint64         `json:"timestamp"`
}

// a leader partition entry
type wireGrant struct {
	Lock      types.LockName `json:"lock"`
	Holder    types.NodeID   `json:"holder"`
	Timestamp uint64         `json:"timestamp"`
}

func encodeRequests(requests map[types.LockName]types.Request) ([]byte, error) {
	out := make([]wireRequest, 0, len(requests))
	for _, r := range requests {
		out = append(out, wireRequest{Lock: r.Lock, Timestamp: r.Timestamp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lock < out[j].Lock })
	return json.Marshal(out)
}

// empty data is an empty partition
func decodeRequests(owner types.NodeID, data []byte) ([]types.Request, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var in []wireRequest
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode requests of %s: %w", owner, err)
	}

	out := make([]types.Request, 0, len(in))
	for _, w := range in {
		if w.Lock == "" {
			continue
		}
		out = append(out, types.Request{Requester: owner, Lock: w.Lock, Timestamp: w.Timestamp})
	}
	return out, nil
}

func encodeGrants(grants map[types.LockName]types.Grant) ([]byte, error) {
	out := make([]wireGrant, 0, len(grants))
	for _, g := range grants {
		out = append(out, wireGrant(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lock < out[j].Lock })
	return json.Marshal(out)
}

func decodeGrants(data []byte) (map[types.LockName]types.Grant, error) {
	out := make(map[types.LockName]types.Grant)
	if len(data) == 0 {
		return out, nil
	}
	var in []wireGrant
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode grants: %w", err)
	}
	for _, w := range in {
		if _, dup := out[w.Lock]; dup {
			return nil, fmt.Errorf("decode grants: lock %q granted twice", w.Lock)
		}
		out[w.Lock] = types.Grant(w)
	}
	return out, nil
}

func sameGrants(a, b map[types.LockName]types.Grant) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
