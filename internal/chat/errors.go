package chat

import "errors"

var (
	// ErrNotRecallable is returned for recalls of messages without a server
	// uuid, such as ones still SENDING or FAILED.
	ErrNotRecallable = errors.New("message cannot be recalled")
	// ErrNotFound is returned when the referenced message is not stored.
	ErrNotFound = errors.New("message not found")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendsSuspended is returned while authentication is expired.
	ErrSendsSuspended = errors.New("sends suspended until re-authentication")
)

// ErrNotRetryable is returned by Retry for messages that are not FAILED.
var ErrNotRetryable = errors.New("only failed messages can be retried")
