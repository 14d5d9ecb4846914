package server

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrMalformedFrame marks a frame that could not be decoded or bound. Enough
// of them in a row close the connection.
var ErrMalformedFrame = errors.New("malformed frame")

// ValidationError is a permanent rejection carrying a wire error code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func validationErrorf(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
