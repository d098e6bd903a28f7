package api

import (
	"context"
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Service implements RoomsServer on top of the daemon's session registry.
type Service struct {
	profile string
	rooms   *chat.Registry
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewService creates the Rooms service for profile.
func NewService(profile string, rooms *chat.Registry, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		profile: profile,
		rooms:   rooms,
		bus:     b,
		logger:  logger,
	}
}

func (s *Service) session(room string) (*chat.Session, error) {
	if room == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "room is required")
	}
	sess, ok := s.rooms.Get(room)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "room %q is not open", room)
	}
	return sess, nil
}

func (s *Service) Open(_ context.Context, req *RoomRequest) (*StatusResponse, error) {
	if req.Room == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "room is required")
	}
	sess, err := s.rooms.Open(req.Room)
	if err != nil {
		return nil, statusError(err)
	}
	s.logger.Info("room opened", zap.String("room", req.Room))
	st, err := sess.Status()
	if err != nil {
		return nil, statusError(err)
	}
	return toStatus(s.profile, st), nil
}

func (s *Service) Close(_ context.Context, req *RoomRequest) (*CloseResponse, error) {
	closed := s.rooms.Close(req.Room)
	if closed {
		s.logger.Info("room closed", zap.String("room", req.Room))
	}
	return &CloseResponse{Closed: closed}, nil
}

func (s *Service) Status(_ context.Context, req *RoomRequest) (*StatusResponse, error) {
	sess, err := s.session(req.Room)
	if err != nil {
		return nil, err
	}
	st, err := sess.Status()
	if err != nil {
		return nil, statusError(err)
	}
	return toStatus(s.profile, st), nil
}

func (s *Service) Send(_ context.Context, req *SendRequest) (*MessageView, error) {
	sess, err := s.session(req.Room)
	if err != nil {
		return nil, err
	}
	typeName := req.Type
	if typeName == "" {
		typeName = store.TypeText.String()
	}
	t, err := parseType(typeName)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	content, err := store.DecodeContent(t, req.Content)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	m, err := sess.Compose(content, req.QuoteUUID)
	if err != nil {
		return nil, statusError(err)
	}
	return s.view(m)
}

func (s *Service) Recall(ctx context.Context, req *RecallRequest) (*Empty, error) {
	sess, err := s.session(req.Room)
	if err != nil {
		return nil, err
	}
	if err := sess.Recall(ctx, req.UUID); err != nil {
		return nil, statusError(err)
	}
	return &Empty{}, nil
}

func (s *Service) Retry(_ context.Context, req *RetryRequest) (*MessageView, error) {
	sess, err := s.session(req.Room)
	if err != nil {
		return nil, err
	}
	m, err := sess.Retry(req.MsgID)
	if err != nil {
		return nil, statusError(err)
	}
	return s.view(m)
}

func (s *Service) LoadOlder(ctx context.Context, req *LoadOlderRequest) (*PageResponse, error) {
	sess, err := s.session(req.Room)
	if err != nil {
		return nil, err
	}
	msgs, err := sess.LoadOlder(ctx, req.Anchor)
	if err != nil {
		return nil, statusError(err)
	}
	views, err := toViews(msgs)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	return &PageResponse{Messages: views}, nil
}

func (s *Service) LoadNewer(ctx context.Context, req *RoomRequest) (*PullResponse, error) {
	sess, err := s.session(req.Room)
	if err != nil {
		return nil, err
	}
	res, err := sess.LoadNewer(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	return toPull(res), nil
}

func (s *Service) Resume(_ context.Context, req *ResumeRequest) (*Empty, error) {
	if req.Token == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "token is required")
	}
	sess, err := s.session(req.Room)
	if err != nil {
		return nil, err
	}
	if err := sess.Resume(req.Token); err != nil {
		return nil, statusError(err)
	}
	s.logger.Info("room resumed", zap.String("room", req.Room))
	return &Empty{}, nil
}

// Watch streams bus events until the client goes away.
func (s *Service) Watch(req *WatchRequest, stream grpc.ServerStreamingServer[EventEnvelope]) error {
	ch, unsub := s.bus.SubscribeRoom(req.Prefix, req.Room, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("drop unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) envelope(evt bus.Event) (*EventEnvelope, error) {
	env := &EventEnvelope{
		EventID:          evt.ID,
		Profile:          s.profile,
		Room:             evt.Room,
		Kind:             evt.Kind,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
	}
	var payload any
	switch p := evt.Payload.(type) {
	case nil:
		return env, nil
	case *store.Message:
		v, err := toView(p)
		if err != nil {
			return nil, err
		}
		payload = v
	case error:
		payload = map[string]string{"error": p.Error()}
	default:
		payload = p
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = data
	return env, nil
}

func (s *Service) view(m *store.Message) (*MessageView, error) {
	v, err := toView(m)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	return v, nil
}
