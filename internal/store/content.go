package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Content is the payload of a message: one of Text, Image, Video or Audio.
type Content interface {
	Type() MessageType
	isContent()
}

// Text is a plain text payload.
type Text struct {
	Text string `json:"text"`
}

// Image references a remote (or locally staged) image and its thumbnail.
type Image struct {
	Thumbnail string `json:"thumbnail"`
	URL       string `json:"img"`
}

// Video references a remote video and its thumbnail.
type Video struct {
	Thumbnail string `json:"thumbnail"`
	URL       string `json:"video"`
}

// Audio references a remote audio clip. Duration is in seconds.
type Audio struct {
	URL      string  `json:"audio"`
	Duration float64 `json:"duration"`
}

func (Text) Type() MessageType  { return TypeText }
func (Image) Type() MessageType { return TypeImage }
func (Video) Type() MessageType { return TypeVideo }
func (Audio) Type() MessageType { return TypeAudio }

func (Text) isContent()  {}
func (Image) isContent() {}
func (Video) isContent() {}
func (Audio) isContent() {}

var errNilContent = errors.New("message has no content")

// EncodeContent serializes c into the opaque blob stored next to its type tag.
func EncodeContent(c Content) (MessageType, []byte, error) {
	var (
		data []byte
		err  error
	)
	switch v := c.(type) {
	case Text:
		data, err = json.Marshal(v)
	case Image:
		data, err = json.Marshal(v)
	case Video:
		data, err = json.Marshal(v)
	case Audio:
		data, err = json.Marshal(v)
	case nil:
		return 0, nil, errNilContent
	default:
		return 0, nil, fmt.Errorf("unsupported content %T", c)
	}
	if err != nil {
		return 0, nil, err
	}
	return c.Type(), data, nil
}

// DecodeContent parses a blob previously produced by EncodeContent. Text
// payloads may also be a bare JSON string, as older clients sent them.
func DecodeContent(t MessageType, data []byte) (Content, error) {
	switch t {
	case TypeText:
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '"' {
			var s string
			if err := json.Unmarshal(trimmed, &s); err != nil {
				return nil, fmt.Errorf("decode text: %w", err)
			}
			return Text{Text: s}, nil
		}
		var v Text
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode text: %w", err)
		}
		return v, nil
	case TypeImage:
		var v Image
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		return v, nil
	case TypeVideo:
		var v Video
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode video: %w", err)
		}
		return v, nil
	case TypeAudio:
		var v Audio
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode audio: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown message type %d", int(t))
	}
}
