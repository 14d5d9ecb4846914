// Package client implements the huddle client: a connection manager that
// joins, reconnects and tracks the roster, and a sender that delivers each
// message at least once and reports exactly one outcome for it.
package client

import (
	"errors"
	"fmt"
)

var (
	ErrAckTimeout       = errors.New("no acknowledgment from server")
	ErrConnectionLost   = errors.New("connection lost")
	ErrSenderClosed     = errors.New("sender closed")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrJoinTimeout      = errors.New("timed out waiting for join reply")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrNotRetryable     = errors.New("no failed message with that temp id")
)

// ErrReconnectExhausted fails pending messages once every reconnect attempt
// has been used. It wraps ErrConnectionLost.
var ErrReconnectExhausted = fmt.Errorf("%w: reconnect attempts exhausted", ErrConnectionLost)

// JoinError is the server's rejection of a join.
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join rejected (%s): %s", e.Code, e.Message)
}

// SendError is the server's permanent rejection of a message.
type SendError struct {
	Code    string
	Message string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("message rejected (%s): %s", e.Code, e.Message)
}
