package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/store"
)

// fakeServer is an in-memory chat service speaking the HTTP and socket
// protocol of a single room.
type fakeServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	token      string
	window     int
	messages   []*protocol.WireMessage
	nextUUID   int64
	acks       []int64
	recalls    []int64
	sends      int
	rejectAll  bool
	failRecall bool
	pages      []string
	sockets    []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{token: "tok", window: 100, nextUUID: 100}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rooms/{room}/messages", f.authed(f.handleSend))
	mux.HandleFunc("GET /rooms/{room}/messages", f.authed(f.handlePull))
	mux.HandleFunc("POST /rooms/{room}/ack", f.authed(f.handleAck))
	mux.HandleFunc("POST /rooms/{room}/recall", f.authed(f.handleRecall))
	mux.HandleFunc("GET /socket", f.handleSocket)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) socketURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/socket"
}

func (f *fakeServer) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		want := "Bearer " + f.token
		f.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// seed stores a message from another user and returns its uuid.
func (f *fakeServer) seed(text string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUUID++
	content, _ := json.Marshal(store.Text{Text: text})
	f.messages = append(f.messages, &protocol.WireMessage{
		MsgID:    f.nextUUID,
		UUID:     f.nextUUID,
		SenderID: "bob",
		Type:     store.TypeText,
		Content:  content,
	})
	return f.nextUUID
}

func (f *fakeServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MsgID    int64             `json:"msgId"`
		SenderID string            `json:"senderId"`
		Type     store.MessageType `json:"type"`
		Content  json.RawMessage   `json:"content"`
		Quote    int64             `json:"quote"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.rejectAll {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"rejected","message":"not allowed"}`))
		return
	}
	for _, m := range f.messages {
		if m.SenderID == req.SenderID && m.MsgID == req.MsgID {
			_, _ = w.Write([]byte(`{"uuid":` + strconv.FormatInt(m.UUID, 10) + `}`))
			return
		}
	}
	f.nextUUID++
	f.messages = append(f.messages, &protocol.WireMessage{
		MsgID: req.MsgID, UUID: f.nextUUID, SenderID: req.SenderID,
		Type: req.Type, Content: req.Content, QuoteUUID: req.Quote,
	})
	_, _ = w.Write([]byte(`{"uuid":` + strconv.FormatInt(f.nextUUID, 10) + `}`))
}

func (f *fakeServer) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*protocol.WireMessage
	switch {
	case q.Has("since"):
		since, _ := strconv.ParseInt(q.Get("since"), 10, 64)
		for _, m := range f.messages {
			if m.UUID > since {
				out = append(out, m)
			}
		}
	case q.Has("anchor"):
		anchor, _ := strconv.ParseInt(q.Get("anchor"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))
		f.pages = append(f.pages, q.Get("direction")+":"+q.Get("anchor"))
		if q.Get("direction") == "before" {
			for i := len(f.messages) - 1; i >= 0 && len(out) < limit; i-- {
				if f.messages[i].UUID < anchor {
					out = append(out, f.messages[i])
				}
			}
		} else {
			for _, m := range f.messages {
				if m.UUID > anchor && len(out) < limit {
					out = append(out, m)
				}
			}
		}
	default:
		start := max(len(f.messages)-f.window, 0)
		out = append(out, f.messages[start:]...)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"messages": out})
}

func (f *fakeServer) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UUID int64 `json:"uuid"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.acks = append(f.acks, req.UUID)
	f.mu.Unlock()
}

func (f *fakeServer) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UUID int64 `json:"uuid"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRecall {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"too_late","message":"recall window passed"}`))
		return
	}
	for _, m := range f.messages {
		if m.UUID == req.UUID {
			if m.Recalled {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"code":"already_recalled"}`))
				return
			}
			m.Recalled = true
		}
	}
	f.recalls = append(f.recalls, req.UUID)
}

func (f *fakeServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		_ = c.Close(websocket.StatusProtocolError, "bad frame")
		return
	}
	var auth protocol.AuthPayload
	_ = frame.DecodePayload(&auth)

	f.mu.Lock()
	ok := auth.Token == f.token
	f.mu.Unlock()
	resp, _ := protocol.Encode(protocol.FrameAuthResponse, frame.ID, protocol.AuthResponse{OK: ok, Reason: "bad token"})
	if err := c.Write(ctx, websocket.MessageText, resp); err != nil || !ok {
		_ = c.Close(protocol.CloseAuthFailed, "bad token")
		return
	}

	f.mu.Lock()
	f.sockets = append(f.sockets, c)
	f.mu.Unlock()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if protocol.Kind(data) == protocol.FramePing {
			pong, _ := protocol.Encode(protocol.FramePong, protocol.FrameID(data), nil)
			_ = c.Write(ctx, websocket.MessageText, pong)
		}
	}
}

// push sends a frame to every connected socket.
func (f *fakeServer) push(t *testing.T, typ string, payload any) {
	t.Helper()
	data, err := protocol.Encode(typ, 0, payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	sockets := slices.Clone(f.sockets)
	f.mu.Unlock()
	for _, c := range sockets {
		_ = c.Write(t.Context(), websocket.MessageText, data)
	}
}

func (f *fakeServer) sockCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

func (f *fakeServer) ackedUpTo() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hi int64
	for _, a := range f.acks {
		hi = max(hi, a)
	}
	return hi
}

// dropSends fails the first n message posts before they reach the server,
// the way a reset connection does.
type dropSends struct {
	base http.RoundTripper

	mu sync.Mutex
	n  int
}

func (d *dropSends) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages") {
		d.mu.Lock()
		drop := d.n > 0
		if drop {
			d.n--
		}
		d.mu.Unlock()
		if drop {
			return nil, errors.New("connection reset by peer")
		}
	}
	return d.base.RoundTrip(r)
}

func (d *dropSends) remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}
