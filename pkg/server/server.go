package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pixperk/opscoord/pkg/client"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Node is the slice of the raft node the http side needs
type Node interface {
	IsLeader() bool
	GetLeader() string
	Apply(cmd types.Command) (any, error)
	Join(nodeID types.NodeID, addr string) error
	Leave(nodeID types.NodeID) error
}

// StatusFunc reports the local view of this node
type StatusFunc func() types.NodeStatus

// RestartFunc hands a restart request to the local agent
type RestartFunc func(req client.RestartRequest)

type Server struct {
	node    Node
	status  StatusFunc
	restart RestartFunc
	log     zerolog.Logger
}

// wraps the raft node into an http server
// node may be nil when the board is not raft backed, then only status and
// metrics are served
func NewServer(node Node, status StatusFunc, logger zerolog.Logger) *Server {
	return &Server{
		node:   node,
		status: status,
		log:    logger.With().Str("component", "server").Logger(),
	}
}

// enables POST /v1/restart
func (s *Server) OnRestart(fn RestartFunc) *Server {
	s.restart = fn
	return s
}

// adds all the routes on the http server
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	if s.node != nil {
		r.HandleFunc("/v1/commands", s.handleCommand).Methods(http.MethodPost)
		r.HandleFunc("/join", s.handleJoin).Methods(http.MethodPost)
		r.HandleFunc("/leave", s.handleLeave).Methods(http.MethodPost)
	}
	if s.restart != nil {
		r.HandleFunc("/v1/restart", s.handleRestart).Methods(http.MethodPost)
	}
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// applies a board write forwarded by a follower
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cmd, err := types.DecodeCommand(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	//the leader partition never travels over the wire
	if _, ok := cmd.(types.WriteLeaderPartitionCommand); ok {
		http.Error(w, "leader partition writes are not forwarded", http.StatusBadRequest)
		return
	}

	if !s.node.IsLeader() {
		writeError(w, notLeaderError(s.node.GetLeader()))
		return
	}

	if _, err := s.node.Apply(cmd); err != nil {
		s.log.Warn().Err(err).Msg("failed to apply forwarded command")
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req client.JoinRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Addr == "" {
		http.Error(w, "id and addr required", http.StatusBadRequest)
		return
	}

	if !s.node.IsLeader() {
		writeError(w, notLeaderError(s.node.GetLeader()))
		return
	}

	if err := s.node.Join(req.ID, req.Addr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req client.JoinRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	if !s.node.IsLeader() {
		writeError(w, notLeaderError(s.node.GetLeader()))
		return
	}

	if err := s.node.Leave(req.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queues a restart, the agent picks it up on its next tick
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req client.RestartRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Services) == 0 {
		http.Error(w, "services required", http.StatusBadRequest)
		return
	}

	s.restart(req)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status types.NodeStatus
	if s.status != nil {
		status = s.status()
	}
	if s.node != nil {
		status.IsLeader = s.node.IsLeader()
		status.Leader = s.node.GetLeader()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warn().Err(err).Msg("failed to write status")
	}
}
