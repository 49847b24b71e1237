package imap

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error kinds for classified retrieval failures.
const (
	KindIMAP = "imap_error"
	KindConn = "connection_error"
)

// Error is a classified retrieval failure. The HTTP boundary maps both
// kinds to 502.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// AsError extracts a classified Error from an error chain.
func AsError(err error) (*Error, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// classify wraps a raw failure as a connection error when it looks like a
// transport problem, and a protocol error otherwise.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return &Error{Kind: KindConn, Message: err.Error()}
	}
	return &Error{Kind: KindIMAP, Message: err.Error()}
}

// isConnectionError checks if an error indicates a dead/broken connection.
func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	errStr := err.Error()
	connectionErrors := []string{
		"use of closed network connection",
		"connection reset",
		"broken pipe",
		"EOF",
		"i/o timeout",
		"connection refused",
		"no such host",
		"network is unreachable",
	}
	for _, connErr := range connectionErrors {
		if strings.Contains(errStr, connErr) {
			return true
		}
	}
	return false
}
