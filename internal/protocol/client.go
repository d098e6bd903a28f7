package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxResponseBody = 8 << 20

// recallTimeout bounds a shared recall request, which outlives the caller
// that started it.
const recallTimeout = 30 * time.Second

// Client issues the stateless HTTP RPCs of the chat service. It holds no
// per-room state; every call is scoped by the room it is given.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	logger  *zap.Logger

	mu    sync.RWMutex
	token string

	recalls singleflight.Group
}

// NewClient creates a client for the service rooted at baseURL.
func NewClient(baseURL, userID, token string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		token:   token,
		http:    httpClient,
		logger:  logger,
	}
}

// UserID returns the identity messages are sent as.
func (c *Client) UserID() string { return c.userID }

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token, e.g. after re-authentication.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

type sendRequest struct {
	MsgID     int64             `json:"msgId"`
	SenderID  string            `json:"senderId"`
	Type      store.MessageType `json:"type"`
	Content   json.RawMessage   `json:"content"`
	QuoteUUID int64             `json:"quote,omitempty"`
}

// Send posts a locally composed message and returns the server uuid.
func (c *Client) Send(ctx context.Context, room string, m *store.Message) (int64, error) {
	w, err := FromStore(m)
	if err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	body, err := c.do(ctx, "send", http.MethodPost, room, "/messages", nil, sendRequest{
		MsgID:     w.MsgID,
		SenderID:  w.SenderID,
		Type:      w.Type,
		Content:   w.Content,
		QuoteUUID: w.QuoteUUID,
	})
	if err != nil {
		return 0, err
	}
	uuid := gjson.GetBytes(body, "uuid").Int()
	if uuid <= 0 {
		return 0, &ApplicationError{Op: "send", Status: http.StatusOK, Message: "response carries no uuid"}
	}
	return uuid, nil
}

// Ack tells the server everything up to uuid is stored. Failures are logged
// and dropped; the next ack supersedes this one.
func (c *Client) Ack(ctx context.Context, room string, uuid int64) {
	if uuid <= 0 {
		return
	}
	if _, err := c.do(ctx, "ack", http.MethodPost, room, "/ack", nil, map[string]int64{"uuid": uuid}); err != nil {
		c.logger.Warn("ack failed", zap.String("room", room), zap.Int64("uuid", uuid), zap.Error(err))
	}
}

// Recall asks the server to recall uuid. A message the server already
// recalled counts as recalled. Concurrent recalls of the same message share
// one request; a caller that gives up does not cancel it for the others.
func (c *Client) Recall(ctx context.Context, room string, uuid int64) error {
	key := room + "/" + strconv.FormatInt(uuid, 10)
	ch := c.recalls.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recallTimeout)
		defer cancel()
		_, err := c.do(rctx, "recall", http.MethodPost, room, "/recall", nil, map[string]int64{"uuid": uuid})
		return nil, err
	})
	var err error
	select {
	case res := <-ch:
		err = res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
	var ae *ApplicationError
	if errors.As(err, &ae) && ae.Code == CodeAlreadyRecalled {
		return nil
	}
	return err
}

// PullInitial fetches the messages newer than since, or the server's
// default window when hasSince is false.
func (c *Client) PullInitial(ctx context.Context, room string, since int64, hasSince bool) ([]*store.Message, error) {
	q := url.Values{}
	if hasSince {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	body, err := c.do(ctx, "pull initial", http.MethodGet, room, "/messages", q, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeMessages("pull initial", room, body)
}

// PullPage fetches up to limit messages on dir's side of anchor.
func (c *Client) PullPage(ctx context.Context, room string, anchor int64, dir store.Direction, limit int) ([]*store.Message, error) {
	q := url.Values{}
	q.Set("anchor", strconv.FormatInt(anchor, 10))
	q.Set("direction", string(dir))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, "pull page", http.MethodGet, room, "/messages", q, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeMessages("pull page", room, body)
}

func (c *Client) decodeMessages(op, room string, body []byte) ([]*store.Message, error) {
	raw := gjson.GetBytes(body, "messages")
	if !raw.Exists() || raw.Type == gjson.Null {
		return nil, nil
	}
	var wire []WireMessage
	if err := json.Unmarshal([]byte(raw.Raw), &wire); err != nil {
		return nil, &ApplicationError{Op: op, Status: http.StatusOK, Message: fmt.Sprintf("decode messages: %v", err)}
	}
	msgs := make([]*store.Message, 0, len(wire))
	for i := range wire {
		m, err := wire[i].ToStore(room, c.userID)
		if err != nil {
			return nil, &ApplicationError{Op: op, Status: http.StatusOK, Message: err.Error()}
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// do performs one request and classifies the outcome: a missing response is
// a TransportError, 401 an AuthExpiredError, any other non-2xx status an
// ApplicationError.
func (c *Client) do(ctx context.Context, op, method, room, path string, query url.Values, payload any) ([]byte, error) {
	u := c.baseURL + "/rooms/" + url.PathEscape(room) + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())
	req.Header.Set("X-Room-Id", room)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &AuthExpiredError{Op: op}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		ae := &ApplicationError{
			Op:      op,
			Status:  resp.StatusCode,
			Code:    gjson.GetBytes(body, "code").String(),
			Message: gjson.GetBytes(body, "message").String(),
		}
		if ae.Message == "" {
			ae.Message = http.StatusText(resp.StatusCode)
		}
		return nil, ae
	}
	return body, nil
}
