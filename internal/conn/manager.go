package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/protocol"
	"go.uber.org/zap"
)

// Options configures a Manager.
type Options struct {
	Room   string
	UserID string
	Dialer Dialer
	// Token returns the credentials sent in the auth frame.
	Token func() string

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	// NewBackOff overrides the reconnect delay policy.
	NewBackOff func() backoff.BackOff

	// OnOpen runs once per successful connection, after authentication.
	OnOpen func(ctx context.Context)
	// OnFrame receives server frames that are not responses to a request.
	OnFrame func(f protocol.Frame)
	// OnAuthFailure runs when the server rejects the credentials.
	OnAuthFailure func(err error)

	Bus     *bus.Bus
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Manager owns the socket of one room: it connects, authenticates, keeps
// the connection alive with heartbeats and reconnects after faults.
// Logout and authentication failures end the connection for good.
type Manager struct {
	opts    Options
	machine *Machine
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error

	// Connection scoped. Reset on every (re)connect.
	connMu  sync.Mutex
	conn    Transport
	nextID  uint64
	pending map[uint64]chan protocol.Frame
	writeMu sync.Mutex
	alive   atomic.Bool
}

// NewManager creates a manager in DISCONNECTED state.
func NewManager(opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		opts:   opts,
		logger: logger.With(zap.String("room", opts.Room)),
	}
	m.machine = NewMachine(opts.Room, opts.Bus, func(s State) {
		opts.Metrics.ConnState(opts.Room, s.Index())
	})
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// Err returns the error that ended the last connection loop, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Open starts connecting. It returns immediately; calling it while the
// manager is connecting or connected does nothing.
func (m *Manager) Open() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.lastErr = nil
	go m.run(ctx, m.done)
}

// Close stops the connection loop and waits for it to exit. Closing a
// disconnected manager is a no-op.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	done := m.done
	m.mu.Unlock()
	<-done
}

// Done returns a channel closed when the current loop exits, or nil if the
// manager is not running.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	return m.done
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	var exitErr error
	defer func() {
		m.mu.Lock()
		m.running = false
		m.lastErr = exitErr
		m.cancel()
		m.mu.Unlock()
		close(done)
	}()

	bo := m.newBackOff()
	attempt := 0
	for {
		m.transition(Connecting)
		attempt++
		opened, err := m.connect(ctx)

		var rejected *AuthRejectedError
		switch {
		case ctx.Err() != nil:
			m.shutdown()
			return
		case errors.Is(err, ErrLoggedOut):
			m.logger.Info("connection closed by logout")
			m.transition(Disconnected)
			exitErr = err
			return
		case errors.As(err, &rejected):
			m.logger.Warn("socket authentication rejected", zap.Error(err))
			m.transition(Disconnected)
			exitErr = err
			if m.opts.OnAuthFailure != nil {
				m.opts.OnAuthFailure(err)
			}
			if m.opts.Bus != nil {
				m.opts.Bus.Publish(bus.NewEvent(bus.KindConnAuthFailure, m.opts.Room, err))
			}
			return
		}

		m.transition(Faulted)
		if opened {
			bo.Reset()
			attempt = 1
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = m.opts.ReconnectMax
		}
		m.logger.Warn("connection faulted, reconnecting",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		m.opts.Metrics.Reconnect(m.opts.Room)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.transition(Disconnected)
			return
		}
	}
}

func (m *Manager) newBackOff() backoff.BackOff {
	if m.opts.NewBackOff != nil {
		return m.opts.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectMin
	b.MaxInterval = m.opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// shutdown walks an explicitly closed connection to DISCONNECTED.
func (m *Manager) shutdown() {
	switch m.machine.Current() {
	case Connecting, Open:
		m.transition(Closing)
		m.transition(Disconnected)
	case Faulted, Closing:
		m.transition(Disconnected)
	}
}

func (m *Manager) transition(to State) {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Error("connection state", zap.Error(err))
	}
}

// connect runs one connection from dial to disconnect. opened reports
// whether the connection reached OPEN.
func (m *Manager) connect(ctx context.Context) (opened bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	t, err := m.opts.Dialer.Dial(dialCtx, m.opts.Room)
	cancel()
	if err != nil {
		return false, &protocol.TransportError{Op: "dial", Err: err}
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	m.attach(t)
	defer m.detach()

	readErr := make(chan error, 1)
	go m.readLoop(connCtx, t, readErr)

	if err := m.authenticate(connCtx, t, readErr); err != nil {
		if ctx.Err() != nil {
			_ = t.Close(int(websocket.StatusNormalClosure), "client closing")
		}
		return false, err
	}

	m.transition(Open)
	m.logger.Info("connection open")
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(bus.NewEvent(bus.KindConnOpen, m.opts.Room, nil))
	}
	if m.opts.OnOpen != nil {
		go m.opts.OnOpen(ctx)
	}

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = t.Close(int(websocket.StatusNormalClosure), "client closing")
			return true, ctx.Err()
		case err := <-readErr:
			return true, classifyClose(err)
		case <-ticker.C:
			if !m.alive.Swap(false) {
				m.opts.Metrics.HeartbeatTimeout(m.opts.Room)
				_ = t.Close(int(websocket.StatusGoingAway), "heartbeat timeout")
				return true, errHeartbeatTimeout
			}
			if err := m.send(connCtx, protocol.FramePing, m.allocID(), nil); err != nil {
				_ = t.Close(int(websocket.StatusGoingAway), "ping failed")
				return true, &protocol.TransportError{Op: "ping", Err: err}
			}
		}
	}
}

func (m *Manager) authenticate(ctx context.Context, t Transport, readErr <-chan error) error {
	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	f, err := m.request(hctx, protocol.FrameAuth, protocol.AuthPayload{
		Token:  m.opts.Token(),
		UserID: m.opts.UserID,
		RoomID: m.opts.Room,
	}, readErr)
	var appErr *protocol.ApplicationError
	switch {
	case err == nil:
	case errors.As(err, &appErr):
		_ = t.Close(protocol.CloseAuthFailed, appErr.Message)
		return &AuthRejectedError{Code: protocol.CloseAuthFailed, Reason: appErr.Message}
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		_ = t.Close(int(websocket.StatusGoingAway), "auth timeout")
		return &protocol.TransportError{Op: "auth", Err: errors.New("no auth response")}
	case protocol.IsTransport(err):
		_ = t.Close(int(websocket.StatusGoingAway), "auth failed")
		return err
	default:
		return err
	}

	var resp protocol.AuthResponse
	if err := f.DecodePayload(&resp); err != nil {
		_ = t.Close(int(websocket.StatusProtocolError), "bad auth response")
		return &protocol.TransportError{Op: "auth", Err: err}
	}
	if !resp.OK {
		_ = t.Close(protocol.CloseAuthFailed, resp.Reason)
		return &AuthRejectedError{Code: protocol.CloseAuthFailed, Reason: resp.Reason}
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, t Transport, errc chan<- error) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			errc <- err
			return
		}
		m.alive.Store(true)

		f, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		switch f.Type {
		case protocol.FramePong:
			continue
		case protocol.FramePing:
			if err := m.send(ctx, protocol.FramePong, f.ID, nil); err != nil {
				m.logger.Debug("pong failed", zap.Error(err))
			}
			continue
		}
		if f.ID != 0 && m.resolve(f) {
			continue
		}
		if m.opts.OnFrame != nil {
			m.opts.OnFrame(f)
		}
	}
}

// classifyClose maps a read error to the reason the connection ended.
func classifyClose(err error) error {
	switch code := websocket.CloseStatus(err); int(code) {
	case protocol.CloseLogout:
		return ErrLoggedOut
	case protocol.CloseAuthFailed:
		var ce websocket.CloseError
		errors.As(err, &ce)
		return &AuthRejectedError{Code: int(code), Reason: ce.Reason}
	}
	return &protocol.TransportError{Op: "read", Err: err}
}

func (m *Manager) attach(t Transport) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.conn = t
	m.nextID = 0
	m.pending = make(map[uint64]chan protocol.Frame)
	m.alive.Store(true)
}

// detach forgets the transport and fails every pending request.
func (m *Manager) detach() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	m.conn = nil
}

func (m *Manager) allocID() uint64 {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.nextID++
	return m.nextID
}

func (m *Manager) register() (uint64, chan protocol.Frame) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.nextID++
	ch := make(chan protocol.Frame, 1)
	if m.pending != nil {
		m.pending[m.nextID] = ch
	}
	return m.nextID, ch
}

func (m *Manager) unregister(id uint64, ch chan protocol.Frame) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.pending[id] == ch {
		delete(m.pending, id)
	}
}

func (m *Manager) resolve(f protocol.Frame) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	ch, ok := m.pending[f.ID]
	if !ok {
		return false
	}
	delete(m.pending, f.ID)
	ch <- f
	return true
}

func (m *Manager) send(ctx context.Context, typ string, id uint64, payload any) error {
	m.connMu.Lock()
	t := m.conn
	m.connMu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(typ, id, payload)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return t.Write(ctx, data)
}

// request sends a frame with a fresh id and waits for the frame carrying
// the same id. Pending requests fail with ErrDisconnected when the
// connection drops; a read error on closed ends the wait early.
func (m *Manager) request(ctx context.Context, typ string, payload any, closed <-chan error) (protocol.Frame, error) {
	id, ch := m.register()
	defer m.unregister(id, ch)

	if err := m.send(ctx, typ, id, payload); err != nil {
		return protocol.Frame{}, &protocol.TransportError{Op: typ, Err: err}
	}
	select {
	case f, ok := <-ch:
		if !ok {
			return protocol.Frame{}, &protocol.TransportError{Op: typ, Err: ErrDisconnected}
		}
		if f.Type == protocol.FrameError {
			var ep protocol.ErrorPayload
			_ = f.DecodePayload(&ep)
			return f, &protocol.ApplicationError{Op: typ, Code: ep.Code, Message: ep.Message}
		}
		return f, nil
	case err := <-closed:
		return protocol.Frame{}, classifyClose(err)
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}
