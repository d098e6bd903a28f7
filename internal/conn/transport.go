package conn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

// Transport is one live socket. Read must not be called concurrently with
// itself; Write and Close may be.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a Transport for a room.
type Dialer interface {
	Dial(ctx context.Context, room string) (Transport, error)
}

// WebsocketDialer dials the chat service socket endpoint.
type WebsocketDialer struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial connects to URL with the room passed as a query parameter.
func (d *WebsocketDialer) Dial(ctx context.Context, room string) (Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("room", room)
	u.RawQuery = q.Encode()

	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Room-Id", room)

	c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	c.SetReadLimit(limit)
	return &wsTransport{c: c}, nil
}

type wsTransport struct {
	c *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.c.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.c.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.c.Close(websocket.StatusCode(code), reason)
}
