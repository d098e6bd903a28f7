package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatsync/internal/store"
)

// WireMessage is the JSON shape of a message exchanged with the server.
// A quoted message may be embedded; only one level is honored.
type WireMessage struct {
	MsgID     int64             `json:"msgId"`
	UUID      int64             `json:"uuid"`
	RoomID    string            `json:"roomId,omitempty"`
	SenderID  string            `json:"senderId"`
	Type      store.MessageType `json:"type"`
	Content   json.RawMessage   `json:"content"`
	Quote     *WireMessage      `json:"quote,omitempty"`
	QuoteUUID int64             `json:"quoteUuid,omitempty"`
	Recalled  bool              `json:"recalled,omitempty"`
	Avatar    string            `json:"avatar,omitempty"`
}

// ToStore converts w into a store message of room, as seen by the user self.
// An embedded quote is converted too, with its own quote left as a bare
// reference.
func (w *WireMessage) ToStore(room, self string) (*store.Message, error) {
	m, err := w.toStore(room, self)
	if err != nil {
		return nil, err
	}
	switch {
	case w.Quote != nil && w.Quote.UUID > 0:
		quoted, err := w.Quote.toStore(room, self)
		if err != nil {
			return nil, fmt.Errorf("quote %d: %w", w.Quote.UUID, err)
		}
		m.Quote = &store.Quote{UUID: quoted.UUID, Status: store.QuoteFound, Message: quoted}
	default:
		m.Quote = store.QuoteOf(w.QuoteUUID)
	}
	return m, nil
}

func (w *WireMessage) toStore(room, self string) (*store.Message, error) {
	content, err := store.DecodeContent(w.Type, w.Content)
	if err != nil {
		return nil, fmt.Errorf("message %d/%d: %w", w.MsgID, w.UUID, err)
	}
	if w.RoomID != "" {
		room = w.RoomID
	}
	m := &store.Message{
		RoomID:   room,
		SenderID: w.SenderID,
		MsgID:    w.MsgID,
		UUID:     w.UUID,
		Content:  content,
		State:    store.Success,
		IsSender: w.SenderID == self,
		Avatar:   w.Avatar,
	}
	if w.Recalled {
		m.State = store.Recalled
	}
	quoteUUID := w.QuoteUUID
	if w.Quote != nil {
		quoteUUID = w.Quote.UUID
	}
	m.Quote = store.QuoteOf(quoteUUID)
	return m, nil
}

// FromStore builds the wire form of a locally composed message.
func FromStore(m *store.Message) (*WireMessage, error) {
	typ, blob, err := store.EncodeContent(m.Content)
	if err != nil {
		return nil, err
	}
	return &WireMessage{
		MsgID:     m.MsgID,
		UUID:      m.UUID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Type:      typ,
		Content:   blob,
		QuoteUUID: m.QuoteUUID(),
	}, nil
}
