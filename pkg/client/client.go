package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
)

// talks to the http side of other opscoord nodes
// followers use it to forward board writes and join requests to the leader
type Client struct {
	http *http.Client
	log  zerolog.Logger
}

func NewClient(timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		log:  logger.With().Str("component", "client").Logger(),
	}
}

// the http address always sits one port above the raft address
func HTTPAddr(raftAddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(raftAddr)
	if err != nil {
		return "", fmt.Errorf("invalid raft address %q: %w", raftAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid raft port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}

// sends a board command to the leader's http endpoint
func (c *Client) Forward(ctx context.Context, leaderRaftAddr string, cmd types.Command) error {
	httpAddr, err := HTTPAddr(leaderRaftAddr)
	if err != nil {
		return err
	}

	data, err := types.EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	c.log.Debug().Str("leader", httpAddr).Msg("forwarding command to leader")
	return c.post(ctx, fmt.Sprintf("http://%s/v1/commands", httpAddr), data)
}

// JoinRequest asks the leader to add a raft voter
type JoinRequest struct {
	ID   types.NodeID `json:"id"`
	Addr string       `json:"addr"`
}

// asks the node at httpAddr to add this node to its cluster
func (c *Client) Join(ctx context.Context, httpAddr string, req JoinRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode join request: %w", err)
	}
	return c.post(ctx, fmt.Sprintf("http://%s/join", httpAddr), data)
}

// asks the leader at httpAddr to remove a node and its partition
func (c *Client) Leave(ctx context.Context, httpAddr string, id types.NodeID) error {
	data, err := json.Marshal(JoinRequest{ID: id})
	if err != nil {
		return fmt.Errorf("encode leave request: %w", err)
	}
	return c.post(ctx, fmt.Sprintf("http://%s/leave", httpAddr), data)
}

// RestartRequest asks a node to restart services once it holds the
// restart lock
type RestartRequest struct {
	Services []string       `json:"services"`
	Context  map[string]any `json:"context,omitempty"`
}

// queues a restart on the node at httpAddr
func (c *Client) RequestRestart(ctx context.Context, httpAddr string, req RestartRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode restart request: %w", err)
	}
	return c.post(ctx, fmt.Sprintf("http://%s/v1/restart", httpAddr), data)
}

// fetches the status document of the node at httpAddr
func (c *Client) Status(ctx context.Context, httpAddr string) (*types.NodeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/status", httpAddr), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.NewTransientError("status", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var status types.NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewTransientError("post "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return responseError(resp)
	}
	return nil
}

// maps the server's status codes back onto domain errors
func responseError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := string(bytes.TrimSpace(msg))

	switch resp.StatusCode {
	case http.StatusConflict:
		return types.ErrNotLeader
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", types.ErrValidation, text)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return types.NewTransientError("remote", fmt.Errorf("%s: %s", resp.Status, text))
	default:
		return fmt.Errorf("unexpected response %s: %s", resp.Status, text)
	}
}
