package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/protocol"
)

// fakeTransport plays the server side of one socket.
type fakeTransport struct {
	in      chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mu        sync.Mutex
	written   []protocol.Frame
	closeCode int
	// reply answers client frames; nil answers nothing.
	reply func(f protocol.Frame) []byte
}

func newFakeTransport(reply func(f protocol.Frame) []byte) *fakeTransport {
	return &fakeTransport{
		in:      make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
		reply:   reply,
	}
}

// acceptAll answers auth with success and pings with pongs.
func acceptAll(f protocol.Frame) []byte {
	switch f.Type {
	case protocol.FrameAuth:
		data, _ := protocol.Encode(protocol.FrameAuthResponse, f.ID, protocol.AuthResponse{OK: true})
		return data
	case protocol.FramePing:
		data, _ := protocol.Encode(protocol.FramePong, f.ID, nil)
		return data
	}
	return nil
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-t.in:
		return d, nil
	case err := <-t.readErr:
		return nil, err
	case <-t.closed:
		return nil, websocket.CloseError{Code: websocket.StatusCode(t.code()), Reason: "closed"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errors.New("write on closed transport")
	default:
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.written = append(t.written, f)
	reply := t.reply
	t.mu.Unlock()
	if reply != nil {
		if resp := reply(f); resp != nil {
			t.in <- resp
		}
	}
	return nil
}

func (t *fakeTransport) Close(code int, _ string) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) code() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

// serverClose simulates the server closing the socket with code.
func (t *fakeTransport) serverClose(code int, reason string) {
	t.readErr <- websocket.CloseError{Code: websocket.StatusCode(code), Reason: reason}
}

func (t *fakeTransport) push(typ string, payload any) {
	data, _ := protocol.Encode(typ, 0, payload)
	t.in <- data
}

func (t *fakeTransport) frames(typ string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, f := range t.written {
		if f.Type == typ {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	newConn    func(n int) *fakeTransport
	err        error
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var t *fakeTransport
	if d.newConn != nil {
		t = d.newConn(len(d.transports))
	} else {
		t = newFakeTransport(acceptAll)
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
