package types

import "errors"

var (
	// Leadership errors
	ErrNotLeader = errors.New("operation requires leadership")

	// Restart errors
	ErrServiceRestart = errors.New("service restart failed")
	ErrValidation     = errors.New("post-restart validation failed")

	// Storage errors
	ErrKeyNotFound = errors.New("key not found")
	ErrNoLeader    = errors.New("no leader known")
)

// TransientError marks a persistence or bulletin board failure
// the caller retries on its next tick, nothing here retries internally
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return "transient: " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// wraps err as transient, nil stays nil
func NewTransientError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// reports whether err (or anything it wraps) is transient
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
