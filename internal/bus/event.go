package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds raised by chat sessions.
const (
	KindMessageArrived   = "message.arrived"
	KindMessageUpdated   = "message.updated"
	KindConnStateChanged = "conn.state_changed"
	KindConnOpen         = "conn.open"
	KindConnAuthFailure  = "conn.auth_failure"
	KindAuthExpired      = "session.auth_expired"
	KindSessionClosed    = "session.closed"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Room      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event for room with a fresh id and the current time.
func NewEvent(kind, room string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Room:      room,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
