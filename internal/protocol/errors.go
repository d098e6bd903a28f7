package protocol

import (
	"errors"
	"fmt"
)

// CodeAlreadyRecalled is the application error code returned when a recall
// targets a message the server already recalled.
const CodeAlreadyRecalled = "already_recalled"

// TransportError is a network level failure: the request never produced an
// HTTP response, or the socket broke.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthExpiredError is returned when the server answers an RPC with 401.
// Sends must be suspended until a new token is supplied.
type AuthExpiredError struct {
	Op string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("%s: authentication expired", e.Op)
}

// ApplicationError is a non-2xx reply other than 401.
type ApplicationError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: server rejected (%d %s): %s", e.Op, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: server rejected (%d): %s", e.Op, e.Status, e.Message)
}

// IsAuthExpired reports whether err carries an AuthExpiredError.
func IsAuthExpired(err error) bool {
	var ae *AuthExpiredError
	return errors.As(err, &ae)
}

// IsTransport reports whether err carries a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
