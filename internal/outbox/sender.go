package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// MessageSender posts a message to the server and returns its uuid.
type MessageSender interface {
	Send(ctx context.Context, room string, m *store.Message) (int64, error)
}

// ErrAbandoned is returned when the session closed while a send was in
// flight; the send result was not applied.
var ErrAbandoned = errors.New("send result ignored: session closed")

// ErrInFlight is returned when the message is already being sent.
var ErrInFlight = errors.New("send already in flight")

// Sender performs optimistic sends: the message is stored as SENDING and
// shown before the request is made, then confirmed or failed.
type Sender struct {
	db      *store.DB
	sender  MessageSender
	bus     *bus.Bus
	metrics *metrics.Collector
	logger  *zap.Logger
	timeout time.Duration

	// online reports whether the socket is up; a connection failure while
	// it is up fails the send.
	online func() bool

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// NewSender creates a new outbox sender. timeout bounds every send request.
func NewSender(db *store.DB, sender MessageSender, b *bus.Bus, m *metrics.Collector, timeout time.Duration, logger *zap.Logger) *Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:       db,
		sender:   sender,
		bus:      b,
		metrics:  m,
		logger:   logger,
		timeout:  timeout,
		inflight: make(map[int64]struct{}),
	}
}

// SetOnline installs the check consulted when a send hits a
// connection failure. Without one, such sends are always deferred.
func (s *Sender) SetOnline(fn func() bool) {
	s.online = fn
}

func (s *Sender) isOnline() bool {
	return s.online != nil && s.online()
}

// Compose stores a new outgoing message as SENDING and announces it.
func (s *Sender) Compose(room, self string, content store.Content, quoteUUID int64) (*store.Message, error) {
	m := &store.Message{
		RoomID:   room,
		SenderID: self,
		Content:  content,
		Quote:    store.QuoteOf(quoteUUID),
	}
	if err := s.db.InsertOutgoing(m); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	s.publish(bus.KindMessageArrived, m.ID)
	return m, nil
}

// Deliver sends m and applies the outcome to the store:
//
//   - success: SENDING becomes SUCCESS with the server uuid
//   - auth expired: the message stays SENDING and the error is returned
//   - connection failure while offline: the message stays SENDING for the
//     flush that follows the next reconnect
//   - anything else, including a timeout or a connection failure while the
//     socket is up: FAILED
//
// The request is not cancelled when ctx is; if ctx is done by the time the
// reply arrives the reply is dropped and ErrAbandoned returned.
func (s *Sender) Deliver(ctx context.Context, m *store.Message) error {
	if !s.claim(m.ID) {
		return ErrInFlight
	}
	defer s.release(m.ID)

	log := s.logger.With(zap.String("room", m.RoomID), zap.Int64("msg_id", m.MsgID))

	// A flush may hold a stale copy of a row another attempt already settled.
	cur, err := s.db.Get(m.ID)
	if err != nil {
		log.Error("reload message before send", zap.Error(err))
		return err
	}
	if cur == nil || cur.State != store.Sending {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	uuid, err := s.sender.Send(reqCtx, m.RoomID, m)
	timedOut := errors.Is(reqCtx.Err(), context.DeadlineExceeded)
	cancel()

	if ctx.Err() != nil {
		log.Debug("dropping send result of closed session", zap.Error(err))
		return ErrAbandoned
	}

	switch {
	case err == nil:
		ok, perr := s.db.PatchAckedIdentity(m.ID, uuid)
		if perr != nil {
			log.Error("record send confirmation", zap.Int64("uuid", uuid), zap.Error(perr))
			return perr
		}
		m.UUID, m.State = uuid, store.Success
		s.metrics.Send(m.RoomID, "success")
		log.Info("message sent", zap.Int64("uuid", uuid))
		if ok {
			s.publish(bus.KindMessageUpdated, m.ID)
		}
		return nil

	case protocol.IsAuthExpired(err):
		s.metrics.Send(m.RoomID, "suspended")
		log.Warn("send suspended: authentication expired")
		return err

	case protocol.IsTransport(err) && !timedOut && !s.isOnline():
		s.metrics.Send(m.RoomID, "deferred")
		log.Warn("send deferred until reconnect", zap.Error(err))
		return err
	}

	s.metrics.Send(m.RoomID, "failed")
	log.Error("failed to send message", zap.Error(err), zap.Bool("timeout", timedOut))
	ok, ferr := s.db.MarkFailed(m.RoomID, m.MsgID)
	if ferr != nil {
		log.Error("record send failure", zap.Error(ferr))
		return ferr
	}
	if ok {
		m.State = store.Failed
		s.publish(bus.KindMessageUpdated, m.ID)
	}
	return err
}

// Flush sends every SENDING message of room in msg_id order. It stops at the
// first authentication expiry or when ctx is done.
func (s *Sender) Flush(ctx context.Context, room string) (int, error) {
	pending, err := s.db.PendingSends(room)
	if err != nil {
		return 0, fmt.Errorf("read pending sends: %w", err)
	}
	sent := 0
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		err := s.Deliver(ctx, m)
		switch {
		case err == nil:
			sent++
		case protocol.IsAuthExpired(err), errors.Is(err, ErrAbandoned):
			return sent, err
		}
	}
	if len(pending) > 0 {
		s.logger.Info("outbox flushed", zap.String("room", room), zap.Int("pending", len(pending)), zap.Int("sent", sent))
	}
	return sent, nil
}

func (s *Sender) claim(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sender) release(id int64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Sender) publish(kind string, localID int64) {
	if s.bus == nil {
		return
	}
	m, err := s.db.Get(localID)
	if err != nil || m == nil {
		s.logger.Warn("reload message for event", zap.Int64("id", localID), zap.Error(err))
		return
	}
	s.bus.Publish(bus.NewEvent(kind, m.RoomID, m))
}
