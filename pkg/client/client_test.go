package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAddr(t *testing.T) {
	addr, err := HTTPAddr("127.0.0.1:7000")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7001", addr)

	_, err = HTTPAddr("no-port")
	assert.Error(t, err)

	_, err = HTTPAddr("host:abc")
	assert.Error(t, err)
}

// raft address whose +1 port is the test server
func raftAddrFor(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return net.JoinHostPort(host, strconv.Itoa(p-1))
}

func TestForwardPostsEncodedCommand(t *testing.T) {
	var got types.Command
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/commands", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		cmd, err := types.DecodeCommand(body)
		require.NoError(t, err)
		got = cmd
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(time.Second, zerolog.Nop())
	cmd := types.WritePartitionCommand{Node: "n1", Key: "locks", Data: []byte(`[]`)}

	require.NoError(t, c.Forward(context.Background(), raftAddrFor(t, srv), cmd))
	assert.Equal(t, cmd, got)
}

func TestResponseErrorMapping(t *testing.T) {
	tests := []struct {
		code  int
		check func(t *testing.T, err error)
	}{
		{http.StatusConflict, func(t *testing.T, err error) { assert.ErrorIs(t, err, types.ErrNotLeader) }},
		{http.StatusBadRequest, func(t *testing.T, err error) { assert.ErrorIs(t, err, types.ErrValidation) }},
		{http.StatusServiceUnavailable, func(t *testing.T, err error) { assert.True(t, types.IsTransient(err)) }},
		{http.StatusInternalServerError, func(t *testing.T, err error) {
			assert.Error(t, err)
			assert.False(t, types.IsTransient(err))
		}},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.code)
		}))

		c := NewClient(time.Second, zerolog.Nop())
		err := c.Join(context.Background(), strings.TrimPrefix(srv.URL, "http://"), JoinRequest{ID: "n2", Addr: "127.0.0.1:7002"})
		tt.check(t, err)
		srv.Close()
	}
}

func TestUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c := NewClient(200*time.Millisecond, zerolog.Nop())
	_, err := c.Status(context.Background(), addr)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.NodeStatus{ID: "n1", IsLeader: true})
	}))
	defer srv.Close()

	c := NewClient(time.Second, zerolog.Nop())
	status, err := c.Status(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("n1"), status.ID)
	assert.True(t, status.IsLeader)
}

func TestRequestRestart(t *testing.T) {
	var got RestartRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/restart", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(time.Second, zerolog.Nop())
	req := RestartRequest{Services: []string{"nginx"}, Context: map[string]any{"reason": "cert"}}
	require.NoError(t, c.RequestRestart(context.Background(), strings.TrimPrefix(srv.URL, "http://"), req))
	assert.Equal(t, req, got)
}

func TestLeave(t *testing.T) {
	var got JoinRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/leave", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(time.Second, zerolog.Nop())
	require.NoError(t, c.Leave(context.Background(), strings.TrimPrefix(srv.URL, "http://"), "n3"))
	assert.Equal(t, types.NodeID("n3"), got.ID)
}
