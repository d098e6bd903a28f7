package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Rooms"

// RoomsServer is the server API for the Rooms service.
type RoomsServer interface {
	Open(context.Context, *RoomRequest) (*StatusResponse, error)
	Close(context.Context, *RoomRequest) (*CloseResponse, error)
	Status(context.Context, *RoomRequest) (*StatusResponse, error)
	Send(context.Context, *SendRequest) (*MessageView, error)
	Recall(context.Context, *RecallRequest) (*Empty, error)
	Retry(context.Context, *RetryRequest) (*MessageView, error)
	LoadOlder(context.Context, *LoadOlderRequest) (*PageResponse, error)
	LoadNewer(context.Context, *RoomRequest) (*PullResponse, error)
	Resume(context.Context, *ResumeRequest) (*Empty, error)
	Watch(*WatchRequest, grpc.ServerStreamingServer[EventEnvelope]) error
}

// RegisterRoomsServer registers srv on s.
func RegisterRoomsServer(s grpc.ServiceRegistrar, srv RoomsServer) {
	s.RegisterService(&roomsServiceDesc, srv)
}

var roomsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RoomsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Open", RoomsServer.Open),
		unary("Close", RoomsServer.Close),
		unary("Status", RoomsServer.Status),
		unary("Send", RoomsServer.Send),
		unary("Recall", RoomsServer.Recall),
		unary("Retry", RoomsServer.Retry),
		unary("LoadOlder", RoomsServer.LoadOlder),
		unary("LoadNewer", RoomsServer.LoadNewer),
		unary("Resume", RoomsServer.Resume),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/rooms",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(RoomsServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RoomsServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RoomsServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RoomsServer).Watch(in, &grpc.GenericServerStream[WatchRequest, EventEnvelope]{ServerStream: stream})
}
