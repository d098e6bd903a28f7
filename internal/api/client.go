package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial connects to a daemon listening on socketPath. Calls use the JSON codec.
func Dial(socketPath string) (*grpc.ClientConn, error) {
	return grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
}

// Client is the client API for the Rooms service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Open(ctx context.Context, room string) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Open", &RoomRequest{Room: room})
}

func (c *Client) Close(ctx context.Context, room string) (*CloseResponse, error) {
	return invoke[CloseResponse](ctx, c, "Close", &RoomRequest{Room: room})
}

func (c *Client) Status(ctx context.Context, room string) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", &RoomRequest{Room: room})
}

func (c *Client) Send(ctx context.Context, req *SendRequest) (*MessageView, error) {
	return invoke[MessageView](ctx, c, "Send", req)
}

func (c *Client) Recall(ctx context.Context, room string, uuid int64) error {
	_, err := invoke[Empty](ctx, c, "Recall", &RecallRequest{Room: room, UUID: uuid})
	return err
}

func (c *Client) Retry(ctx context.Context, room string, msgID int64) (*MessageView, error) {
	return invoke[MessageView](ctx, c, "Retry", &RetryRequest{Room: room, MsgID: msgID})
}

func (c *Client) LoadOlder(ctx context.Context, room string, anchor int64) (*PageResponse, error) {
	return invoke[PageResponse](ctx, c, "LoadOlder", &LoadOlderRequest{Room: room, Anchor: anchor})
}

func (c *Client) LoadNewer(ctx context.Context, room string) (*PullResponse, error) {
	return invoke[PullResponse](ctx, c, "LoadNewer", &RoomRequest{Room: room})
}

func (c *Client) Resume(ctx context.Context, room, token string) error {
	_, err := invoke[Empty](ctx, c, "Resume", &ResumeRequest{Room: room, Token: token})
	return err
}

// Watch opens the event stream. Cancel ctx to end it.
func (c *Client) Watch(ctx context.Context, req *WatchRequest) (grpc.ServerStreamingClient[EventEnvelope], error) {
	stream, err := c.cc.NewStream(ctx, &roomsServiceDesc.Streams[0], fullMethod("Watch"), grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchRequest, EventEnvelope]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
