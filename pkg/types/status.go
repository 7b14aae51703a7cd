package types

// NodeStatus is what a node reports about itself over http
type NodeStatus struct {
	ID           NodeID    `json:"id"`
	IsLeader     bool      `json:"is_leader"`
	Leader       string    `json:"leader,omitempty"`
	Requests     []Request `json:"requests"`
	Grants       []Grant   `json:"grants"`
	RestartState string    `json:"restart_state,omitempty"`
	RestartOp    string    `json:"restart_op,omitempty"`
}
