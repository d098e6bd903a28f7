package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// statusError maps a session error to a gRPC status.
func statusError(err error) error {
	if err == nil {
		return nil
	}
	var (
		appErr     *protocol.ApplicationError
		storageErr *store.StorageError
	)
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, chat.ErrNotRecallable), errors.Is(err, chat.ErrNotRetryable):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, chat.ErrSessionClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, chat.ErrSendsSuspended), protocol.IsAuthExpired(err):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case protocol.IsTransport(err):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.As(err, &appErr):
		switch appErr.Status {
		case http.StatusNotFound:
			return grpcstatus.Error(codes.NotFound, err.Error())
		case http.StatusConflict:
			return grpcstatus.Error(codes.Aborted, err.Error())
		case http.StatusForbidden:
			return grpcstatus.Error(codes.PermissionDenied, err.Error())
		}
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &storageErr):
		return grpcstatus.Error(codes.Internal, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
