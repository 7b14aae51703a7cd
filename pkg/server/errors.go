package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pixperk/opscoord/pkg/types"
)

// converts domain errors to http status codes
// the client maps them back, keep both sides in step
func httpStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrNotLeader):
		return http.StatusConflict
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNoLeader), types.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), httpStatus(err))
}

// returns a not leader error naming the current leader address
func notLeaderError(leaderAddr string) error {
	return fmt.Errorf("%w, leader is at: %s", types.ErrNotLeader, leaderAddr)
}
