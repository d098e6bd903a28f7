package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Frame types exchanged over the socket.
const (
	FrameAuth         = "auth"
	FrameAuthResponse = "auth_response"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameMessage      = "message"
	FrameRecall       = "recall"
	FrameError        = "error"
)

// Application close codes.
const (
	// CloseLogout is sent when the user logged out; the client must not reconnect.
	CloseLogout = 4000
	// CloseAuthFailed is sent when the socket credentials were rejected.
	CloseAuthFailed = 4001
)

// Frame is the envelope of every socket message. ID correlates a request
// with its response and is scoped to one connection.
type Frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is sent by the client right after the socket opens.
type AuthPayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// AuthResponse answers an auth frame.
type AuthResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// RecallPayload notifies that a message was recalled.
type RecallPayload struct {
	RoomID string `json:"roomId,omitempty"`
	UUID   int64  `json:"uuid"`
}

// ErrorPayload carries a server side error on the socket.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Kind returns the frame type without decoding the whole envelope.
func Kind(data []byte) string {
	return gjson.GetBytes(data, "type").String()
}

// FrameID returns the correlation id of a raw frame, 0 if none.
func FrameID(data []byte) uint64 {
	return gjson.GetBytes(data, "id").Uint()
}

// Encode marshals a frame. payload may be nil.
func Encode(typ string, id uint64, payload any) ([]byte, error) {
	f := Frame{Type: typ, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// Decode parses a raw frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if !gjson.ValidBytes(data) {
		return f, fmt.Errorf("decode frame: invalid json")
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return f, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// DecodePayload unmarshals the payload of f into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}
