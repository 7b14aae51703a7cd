package types

import (
	"encoding/json"
	"fmt"
)

// type of board FSM command
type CommandType uint

const (
	CommandTypeWritePartition CommandType = iota + 1
	CommandTypeWriteLeaderPartition
	CommandTypeRemovePartition
)

// interface all board FSM commands implement
type Command interface {
	Type() CommandType
}

// writes one key of a node's own partition
type WritePartitionCommand struct {
	Node NodeID `json:"node"`
	Key  string `json:"key"`
	Data []byte `json:"data"`
}

func (c WritePartitionCommand) Type() CommandType { return CommandTypeWritePartition }

// writes one key of the leader partition
// Leader records who wrote it, the fsm itself does not judge leadership
type WriteLeaderPartitionCommand struct {
	Leader NodeID `json:"leader"`
	Key    string `json:"key"`
	Data   []byte `json:"data"`
}

func (c WriteLeaderPartitionCommand) Type() CommandType { return CommandTypeWriteLeaderPartition }

// drops a departed node's partition entirely
type RemovePartitionCommand struct {
	Node NodeID `json:"node"`
}

func (c RemovePartitionCommand) Type() CommandType { return CommandTypeRemovePartition }

// envelope replicated through the raft log
type commandEnvelope struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// encodes a command for the raft log
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return json.Marshal(commandEnvelope{Type: cmd.Type(), Payload: payload})
}

// decodes a command written by EncodeCommand
func DecodeCommand(data []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal command envelope: %w", err)
	}

	var cmd Command
	switch env.Type {
	case CommandTypeWritePartition:
		var c WritePartitionCommand
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CommandTypeWriteLeaderPartition:
		var c WriteLeaderPartitionCommand
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CommandTypeRemovePartition:
		var c RemovePartitionCommand
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	default:
		return nil, fmt.Errorf("unknown command type: %d", env.Type)
	}
	return cmd, nil
}
