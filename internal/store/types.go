package store

import "fmt"

// MessageType tags the payload carried by a message. Values are persisted
// and travel on the wire.
type MessageType int

const (
	TypeText MessageType = iota
	TypeImage
	TypeVideo
	TypeAudio
)

func (t MessageType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeImage:
		return "image"
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// State is the delivery state of a message.
//
//	SENDING -> SUCCESS | FAILED
//	SUCCESS -> RECALLED
//
// A FAILED message only leaves FAILED through an explicit retry, which is a
// new attempt under the same msg_id.
type State int

const (
	Sending State = iota
	Success
	Failed
	Recalled
)

func (s State) String() string {
	switch s {
	case Sending:
		return "SENDING"
	case Success:
		return "SUCCESS"
	case Failed:
		return "FAILED"
	case Recalled:
		return "RECALLED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Direction selects which side of an anchor a page is read from.
type Direction string

const (
	Before Direction = "before"
	After  Direction = "after"
)

// Message is a single row of a room's conversation.
type Message struct {
	// ID is the local row identity.
	ID       int64
	RoomID   string
	SenderID string
	// MsgID is allocated by the sending client and is unique per (room, sender).
	MsgID int64
	// UUID is the server sequence number, 0 until acknowledged.
	UUID     int64
	Content  Content
	State    State
	IsSender bool
	Quote    *Quote
	// Avatar is resolved at read time and never persisted on the row.
	Avatar string
}

// Type returns the payload tag of the message content.
func (m *Message) Type() MessageType {
	if m.Content == nil {
		return TypeText
	}
	return m.Content.Type()
}

// QuoteUUID returns the uuid of the quoted message, or 0.
func (m *Message) QuoteUUID() int64 {
	if m.Quote == nil {
		return 0
	}
	return m.Quote.UUID
}

// QuoteStatus reports how far a quote reference was resolved.
type QuoteStatus int

const (
	// QuoteUnresolved marks a reference past the resolution depth.
	QuoteUnresolved QuoteStatus = iota
	// QuoteFound means Message holds the quoted row.
	QuoteFound
	// QuoteAbsent means the quoted row is not stored locally, or the
	// reference points back at the quoting message itself.
	QuoteAbsent
)

func (s QuoteStatus) String() string {
	switch s {
	case QuoteFound:
		return "found"
	case QuoteAbsent:
		return "absent"
	default:
		return "unresolved"
	}
}

// Quote references another message of the same room by uuid.
type Quote struct {
	UUID    int64
	Status  QuoteStatus
	Message *Message
}

// QuoteOf returns an unresolved reference to uuid, or nil for 0.
func QuoteOf(uuid int64) *Quote {
	if uuid == 0 {
		return nil
	}
	return &Quote{UUID: uuid}
}
