// Package server defines shared error values and utility helpers that
// are reused across client and hub logic.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrSendBufferFull means the peer is not draining its queue fast enough.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnectionClosed means the client has already been unregistered.
	ErrConnectionClosed = errors.New("connection closed")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
