package api

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// RoomRequest addresses a single room.
type RoomRequest struct {
	Room string `json:"room"`
}

// Empty is returned by calls with nothing to report.
type Empty struct{}

// CloseResponse reports whether a session was open.
type CloseResponse struct {
	Closed bool `json:"closed"`
}

// StatusResponse is a session snapshot.
type StatusResponse struct {
	Profile   string `json:"profile"`
	Room      string `json:"room"`
	State     string `json:"state"`
	Suspended bool   `json:"suspended"`
	Closed    bool   `json:"closed"`
	Watermark int64  `json:"watermark"`
	Pending   int    `json:"pending"`
	LastError string `json:"last_error,omitempty"`
}

// SendRequest composes a message. Content is the type's JSON payload, e.g.
// {"text":"hi"} or {"thumbnail":"...","img":"..."}.
type SendRequest struct {
	Room      string          `json:"room"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	QuoteUUID int64           `json:"quote_uuid,omitempty"`
}

type RecallRequest struct {
	Room string `json:"room"`
	UUID int64  `json:"uuid"`
}

type RetryRequest struct {
	Room  string `json:"room"`
	MsgID int64  `json:"msg_id"`
}

type LoadOlderRequest struct {
	Room   string `json:"room"`
	Anchor int64  `json:"anchor"`
}

type ResumeRequest struct {
	Room  string `json:"room"`
	Token string `json:"token"`
}

// PageResponse carries a page of messages, newest first.
type PageResponse struct {
	Messages []*MessageView `json:"messages"`
}

// PullResponse summarizes a catch-up pull.
type PullResponse struct {
	Pages     int   `json:"pages"`
	Messages  int   `json:"messages"`
	MaxUUID   int64 `json:"max_uuid"`
	Exhausted bool  `json:"exhausted"`
}

// WatchRequest selects events by kind prefix ("" for all) and room ("" for
// every open room).
type WatchRequest struct {
	Room   string `json:"room,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// EventEnvelope is one bus event as streamed by Watch.
type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	Profile          string          `json:"profile"`
	Room             string          `json:"room"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// MessageView is the API rendering of a stored message.
type MessageView struct {
	ID       int64           `json:"id"`
	Room     string          `json:"room"`
	SenderID string          `json:"sender_id"`
	MsgID    int64           `json:"msg_id"`
	UUID     int64           `json:"uuid"`
	Type     string          `json:"type"`
	State    string          `json:"state"`
	IsSender bool            `json:"is_sender"`
	Content  json.RawMessage `json:"content"`
	Avatar   string          `json:"avatar,omitempty"`
	Quote    *QuoteView      `json:"quote,omitempty"`
}

type QuoteView struct {
	UUID    int64        `json:"uuid"`
	Status  string       `json:"status"`
	Message *MessageView `json:"message,omitempty"`
}

func toView(m *store.Message) (*MessageView, error) {
	if m == nil {
		return nil, nil
	}
	t, data, err := store.EncodeContent(m.Content)
	if err != nil {
		return nil, err
	}
	v := &MessageView{
		ID:       m.ID,
		Room:     m.RoomID,
		SenderID: m.SenderID,
		MsgID:    m.MsgID,
		UUID:     m.UUID,
		Type:     t.String(),
		State:    m.State.String(),
		IsSender: m.IsSender,
		Content:  data,
		Avatar:   m.Avatar,
	}
	if m.Quote != nil {
		q := &QuoteView{UUID: m.Quote.UUID, Status: m.Quote.Status.String()}
		if q.Message, err = toView(m.Quote.Message); err != nil {
			return nil, err
		}
		v.Quote = q
	}
	return v, nil
}

func toViews(msgs []*store.Message) ([]*MessageView, error) {
	out := make([]*MessageView, 0, len(msgs))
	for _, m := range msgs {
		v, err := toView(m)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func toStatus(profile string, st chat.Status) *StatusResponse {
	return &StatusResponse{
		Profile:   profile,
		Room:      st.Room,
		State:     string(st.State),
		Suspended: st.Suspended,
		Closed:    st.Closed,
		Watermark: st.Watermark,
		Pending:   st.Pending,
		LastError: st.LastError,
	}
}

func toPull(r intsync.PullResult) *PullResponse {
	return &PullResponse{Pages: r.Pages, Messages: r.Messages, MaxUUID: r.MaxUUID, Exhausted: r.Exhausted}
}

// parseType maps a type name to its MessageType.
func parseType(name string) (store.MessageType, error) {
	for _, t := range []store.MessageType{store.TypeText, store.TypeImage, store.TypeVideo, store.TypeAudio} {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", name)
}
