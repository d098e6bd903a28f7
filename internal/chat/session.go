package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Settings tunes a session.
type Settings struct {
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	SendTimeout       time.Duration
	PageSize          int
	// PullRate caps page requests per second; 0 disables pacing.
	PullRate float64
}

// Deps are the collaborators shared by every session of a process.
type Deps struct {
	DB       *store.DB
	Client   *protocol.Client
	Dialer   conn.Dialer
	Bus      *bus.Bus
	Metrics  *metrics.Collector
	Logger   *zap.Logger
	Settings Settings
}

// Session binds one room to its connection, the sync protocol client and
// the message store. It is the surface a presentation layer drives.
type Session struct {
	room    string
	self    string
	db      *store.DB
	client  *protocol.Client
	bus     *bus.Bus
	logger  *zap.Logger
	manager *conn.Manager
	engine  *intsync.Engine
	puller  *intsync.Puller
	marks   *intsync.Checkpoints
	sender  *outbox.Sender

	pageSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    atomic.Bool
	suspended atomic.Bool
	ackMu     sync.Mutex
}

// NewSession builds a session for room. It does not connect until Open.
func NewSession(room string, d Deps) *Session {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("room", room))

	pageSize := d.Settings.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	limit := rate.Inf
	if d.Settings.PullRate > 0 {
		limit = rate.Limit(d.Settings.PullRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine := intsync.NewEngine(d.DB, d.Bus, d.Metrics, logger)
	s := &Session{
		room:     room,
		self:     d.Client.UserID(),
		db:       d.DB,
		client:   d.Client,
		bus:      d.Bus,
		logger:   logger,
		engine:   engine,
		puller:   intsync.NewPuller(d.Client, engine, rate.NewLimiter(limit, 1), pageSize, logger),
		marks:    intsync.NewCheckpoints(d.DB),
		sender:   outbox.NewSender(d.DB, d.Client, d.Bus, d.Metrics, d.Settings.SendTimeout, logger),
		pageSize: pageSize,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.manager = conn.NewManager(conn.Options{
		Room:              room,
		UserID:            s.self,
		Dialer:            d.Dialer,
		Token:             d.Client.Token,
		HeartbeatInterval: d.Settings.HeartbeatInterval,
		ReconnectMin:      d.Settings.ReconnectMin,
		ReconnectMax:      d.Settings.ReconnectMax,
		OnOpen:            s.onOpen,
		OnFrame:           s.onFrame,
		OnAuthFailure:     s.onAuthFailure,
		Bus:               d.Bus,
		Metrics:           d.Metrics,
		Logger:            logger,
	})
	s.sender.SetOnline(func() bool { return s.manager.State() == conn.Open })
	return s
}

// Room returns the room identifier the session is bound to.
func (s *Session) Room() string { return s.room }

// Open starts the connection. Opening an open session does nothing.
func (s *Session) Open() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.manager.Open()
	return nil
}

// Close cancels running pulls, stops the connection and its timers and
// announces the closure. In-flight sends are not cancelled but their
// results are ignored. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}
	s.closed.Store(true)
	s.mu.Unlock()

	s.cancel()
	s.manager.Close()
	s.wg.Wait()
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(bus.KindSessionClosed, s.room, nil))
	}
	s.logger.Info("session closed")
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed.Load() }

// bind derives a context that is also cancelled when the session closes and
// registers the caller as a background task Close waits for.
func (s *Session) bind(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, nil, ErrSessionClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
		s.wg.Done()
	}, nil
}

// spawn runs fn as a background task bound to the session lifetime.
func (s *Session) spawn(fn func(ctx context.Context)) {
	ctx, done, err := s.bind(context.Background())
	if err != nil {
		return
	}
	go func() {
		defer done()
		fn(ctx)
	}()
}

// Compose stores a new message as SENDING, shows it immediately and sends
// it in the background. While sends are suspended the message is kept
// SENDING and goes out after Resume.
func (s *Session) Compose(content store.Content, quoteUUID int64) (*store.Message, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	m, err := s.sender.Compose(s.room, s.self, content, quoteUUID)
	if err != nil {
		return nil, err
	}
	if !s.suspended.Load() {
		s.deliver(m)
	}
	return m, nil
}

// Retry re-sends a FAILED message under the same msg_id.
func (s *Session) Retry(msgID int64) (*store.Message, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if s.suspended.Load() {
		return nil, ErrSendsSuspended
	}
	ok, err := s.db.MarkRetrying(s.room, msgID)
	if err != nil {
		return nil, err
	}
	m, err := s.db.GetByMsgID(s.room, s.self, msgID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotFound
	}
	if !ok {
		return nil, fmt.Errorf("retry message %d in state %s: %w", msgID, m.State, ErrNotRetryable)
	}
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(bus.KindMessageUpdated, s.room, m))
	}
	s.deliver(m)
	return m, nil
}

// deliver sends m without blocking the caller. Close does not wait for it.
func (s *Session) deliver(m *store.Message) {
	ctx := s.ctx
	go func() {
		err := s.sender.Deliver(ctx, m)
		if protocol.IsAuthExpired(err) {
			s.suspend()
		}
	}()
}

// Recall asks the server to recall uuid and applies it locally on success.
// On failure the message is left unchanged and the error returned.
func (s *Session) Recall(ctx context.Context, uuid int64) error {
	if uuid <= 0 {
		return ErrNotRecallable
	}
	ctx, done, err := s.bind(ctx)
	if err != nil {
		return err
	}
	defer done()

	m, err := s.db.QueryByUUID(s.room, uuid)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrNotFound
	}
	switch m.State {
	case store.Recalled:
		return nil
	case store.Sending, store.Failed:
		return ErrNotRecallable
	}

	if err := s.client.Recall(ctx, s.room, uuid); err != nil {
		if protocol.IsAuthExpired(err) {
			s.suspend()
		}
		return err
	}
	_, err = s.engine.ApplyRecall(s.room, uuid, "local")
	return err
}

// UpdateContent swaps the payload of an acknowledged message, e.g. once an
// attachment upload yields its remote reference.
func (s *Session) UpdateContent(uuid int64, content store.Content) error {
	if uuid <= 0 {
		return ErrNotFound
	}
	ok, err := s.db.UpdateContent(s.room, uuid, content)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	m, err := s.db.QueryByUUID(s.room, uuid)
	if err != nil {
		return err
	}
	if s.bus != nil && m != nil {
		s.bus.Publish(bus.NewEvent(bus.KindMessageUpdated, s.room, m))
	}
	return nil
}

// UpdateLocalContent swaps the payload of one of this room's rows by local
// id. It covers optimistic placeholders that have no uuid yet.
func (s *Session) UpdateLocalContent(localID int64, content store.Content) error {
	m, err := s.db.Get(localID)
	if err != nil {
		return err
	}
	if m == nil || m.RoomID != s.room {
		return ErrNotFound
	}
	if _, err := s.db.UpdateContentByID(localID, content); err != nil {
		return err
	}
	m, err = s.db.Get(localID)
	if err != nil {
		return err
	}
	if s.bus != nil && m != nil {
		s.bus.Publish(bus.NewEvent(bus.KindMessageUpdated, s.room, m))
	}
	return nil
}

// Messages reads a page from the local store.
func (s *Session) Messages(dir store.Direction, limit int, anchor int64) ([]*store.Message, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	return s.db.Page(s.room, dir, limit, anchor)
}

// LoadOlder returns the page before anchor (0 for the newest messages),
// backfilling one page from the server when the store runs short and the
// start of the room has not been reached yet.
func (s *Session) LoadOlder(ctx context.Context, anchor int64) ([]*store.Message, error) {
	ctx, done, err := s.bind(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	local, err := s.db.Page(s.room, store.Before, s.pageSize, anchor)
	if err != nil {
		return nil, err
	}
	if len(local) >= s.pageSize {
		return local, nil
	}
	complete, err := s.marks.HistoryComplete(s.room)
	if err != nil || complete {
		return local, err
	}

	from := anchor
	if len(local) > 0 {
		if oldest := local[len(local)-1].UUID; oldest > 0 {
			from = oldest
		}
	}
	if from <= 0 {
		lowest, _, err := s.db.UUIDRange(s.room)
		if err != nil {
			return local, err
		}
		from = lowest
	}
	if from <= 0 {
		if _, err := s.pullInitial(ctx); err != nil {
			return local, err
		}
		return s.db.Page(s.room, store.Before, s.pageSize, anchor)
	}

	_, res, err := s.puller.PullPage(ctx, s.room, from, store.Before)
	if err != nil {
		s.checkAuth(err)
		return local, err
	}
	if res.Exhausted {
		if err := s.marks.MarkHistoryComplete(s.room); err != nil {
			return local, err
		}
		return local, nil
	}
	return s.db.Page(s.room, store.Before, s.pageSize, anchor)
}

// LoadNewer pulls everything after the newest stored uuid until the server
// returns an empty page. Closing the session stops the loop.
func (s *Session) LoadNewer(ctx context.Context) (intsync.PullResult, error) {
	ctx, done, err := s.bind(ctx)
	if err != nil {
		return intsync.PullResult{}, err
	}
	defer done()

	_, highest, err := s.db.UUIDRange(s.room)
	if err != nil {
		return intsync.PullResult{}, err
	}
	res, err := s.puller.PullUntilExhausted(ctx, s.room, highest, store.After)
	if err != nil {
		s.checkAuth(err)
		if s.closed.Load() {
			return res, ErrSessionClosed
		}
		return res, err
	}
	s.ack(ctx, res.MaxUUID)
	return res, nil
}

// Resume installs a fresh token, lifts the send suspension and sends what
// queued up meanwhile. A connection closed by an auth failure is reopened.
func (s *Session) Resume(token string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.client.SetToken(token)
	s.suspended.Store(false)
	s.manager.Open()
	s.spawn(s.flush)
	return nil
}

func (s *Session) pullInitial(ctx context.Context) (intsync.PullResult, error) {
	res, err := s.puller.PullInitial(ctx, s.room)
	if err != nil {
		s.checkAuth(err)
		return res, err
	}
	s.ack(ctx, res.MaxUUID)
	return res, nil
}

// onOpen runs after every successful (re)connect: catch up on what was
// missed, then send what is pending.
func (s *Session) onOpen(ctx context.Context) {
	ctx, done, err := s.bind(ctx)
	if err != nil {
		return
	}
	defer done()

	if res, err := s.pullInitial(ctx); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("initial pull failed", zap.Error(err))
		}
	} else {
		s.logger.Debug("initial pull done", zap.Int("messages", res.Messages))
	}
	s.flush(ctx)
}

func (s *Session) flush(ctx context.Context) {
	if s.suspended.Load() {
		return
	}
	if _, err := s.sender.Flush(ctx, s.room); err != nil {
		s.checkAuth(err)
		if ctx.Err() == nil && !protocol.IsAuthExpired(err) {
			s.logger.Warn("outbox flush failed", zap.Error(err))
		}
	}
}

// onFrame handles server pushes, in arrival order.
func (s *Session) onFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.FrameMessage:
		var w protocol.WireMessage
		if err := f.DecodePayload(&w); err != nil {
			s.logger.Warn("bad message push", zap.Error(err))
			return
		}
		m, err := w.ToStore(s.room, s.self)
		if err != nil {
			s.logger.Warn("bad message push", zap.Error(err))
			return
		}
		res, err := s.engine.Ingest(s.room, "push", []*store.Message{m})
		if err != nil {
			s.logger.Error("failed to ingest push", zap.Error(err), zap.Int64("uuid", m.UUID))
			return
		}
		if res.MaxUUID > 0 {
			s.spawn(func(ctx context.Context) { s.ack(ctx, res.MaxUUID) })
		}
	case protocol.FrameRecall:
		var p protocol.RecallPayload
		if err := f.DecodePayload(&p); err != nil {
			s.logger.Warn("bad recall push", zap.Error(err))
			return
		}
		if _, err := s.engine.ApplyRecall(s.room, p.UUID, "remote"); err != nil {
			s.logger.Error("failed to apply recall", zap.Error(err), zap.Int64("uuid", p.UUID))
		}
	case protocol.FrameError:
		var p protocol.ErrorPayload
		_ = f.DecodePayload(&p)
		s.logger.Warn("server error frame", zap.String("code", p.Code), zap.String("message", p.Message))
	default:
		s.logger.Debug("ignoring frame", zap.String("type", f.Type))
	}
}

func (s *Session) onAuthFailure(err error) {
	s.logger.Warn("connection closed: authentication rejected", zap.Error(err))
}

// ack acknowledges uuid once it is above the last acknowledged value.
func (s *Session) ack(ctx context.Context, uuid int64) {
	if uuid <= 0 {
		return
	}
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	last, err := s.marks.LastAck(s.room)
	if err != nil || uuid <= last {
		return
	}
	s.client.Ack(ctx, s.room, uuid)
	if err := s.marks.SetLastAck(s.room, uuid); err != nil {
		s.logger.Warn("record ack", zap.Error(err))
	}
}

func (s *Session) checkAuth(err error) {
	if protocol.IsAuthExpired(err) {
		s.suspend()
	}
}

func (s *Session) suspend() {
	if s.suspended.Swap(true) {
		return
	}
	s.logger.Warn("authentication expired, sends suspended")
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(bus.KindAuthExpired, s.room, nil))
	}
}

// Status is a snapshot of a session.
type Status struct {
	Room      string
	State     conn.State
	Suspended bool
	Closed    bool
	Watermark int64
	Pending   int
	LastError string
}

// Status reports the connection state, suspension and sync watermark.
func (s *Session) Status() (Status, error) {
	st := Status{
		Room:      s.room,
		State:     s.manager.State(),
		Suspended: s.suspended.Load(),
		Closed:    s.closed.Load(),
	}
	if err := s.manager.Err(); err != nil {
		st.LastError = err.Error()
	}
	w, _, err := s.db.LatestReceivedUUID(s.room)
	if err != nil {
		return st, err
	}
	st.Watermark = w
	pending, err := s.db.PendingSends(s.room)
	if err != nil {
		return st, err
	}
	st.Pending = len(pending)
	return st, nil
}
