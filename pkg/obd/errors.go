package obd

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady means no socket is held. It is an expected transient state
	// before a connection completes and never counts as connection loss.
	ErrNotReady = errors.New("connection not ready")

	// ErrConnectFailed marks a single failed open attempt inside the retry loop.
	ErrConnectFailed = errors.New("connect attempt failed")

	// ErrParse marks a response that carried the speed marker but no decodable value.
	ErrParse = errors.New("malformed response")
)

// CommunicationError is a send or receive failure on a held socket.
// The manager treats it as connection loss.
type CommunicationError struct {
	Op  string // "send" or "receive"
	Err error
}

func (e *CommunicationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsConnectionLoss reports whether err should tear the session down.
func IsConnectionLoss(err error) bool {
	if err == nil || errors.Is(err, ErrNotReady) {
		return false
	}
	var cerr *CommunicationError
	return errors.As(err, &cerr)
}
