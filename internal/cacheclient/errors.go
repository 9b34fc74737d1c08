package cacheclient

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout means no response arrived in time. Reissuing the
	// request uses a fresh id.
	ErrRequestTimeout = errors.New("cacheclient: request timed out")
	// ErrConnectionLost means the connection failed. Every in-flight
	// request fails with it, and so does every call until Reconnect.
	ErrConnectionLost = errors.New("cacheclient: connection lost")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cacheclient: client closed")
)

// ServerError is a response with success=false.
type ServerError struct {
	Path    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("cache service: %s: %s", e.Path, e.Message)
}
