package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrLoggedOut is returned when the server closed the socket because the
	// user logged out. The manager does not reconnect.
	ErrLoggedOut = errors.New("connection closed: logged out")
	// ErrNotConnected is returned for requests made while no socket is open.
	ErrNotConnected = errors.New("not connected")
	// ErrDisconnected is returned to requests pending when the socket dropped.
	ErrDisconnected = errors.New("connection dropped before response")

	errHeartbeatTimeout = errors.New("heartbeat timeout")
)

// AuthRejectedError reports that the server refused the socket credentials.
// The manager does not reconnect until opened again.
type AuthRejectedError struct {
	Code   int
	Reason string
}

func (e *AuthRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("authentication rejected (close code %d)", e.Code)
	}
	return fmt.Sprintf("authentication rejected (close code %d): %s", e.Code, e.Reason)
}
