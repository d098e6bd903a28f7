package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/profile"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server manages the gRPC server lifecycle for a profile daemon.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the profile's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, svc *api.Service) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer()
	api.RegisterRoomsServer(srv, svc)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string { return s.socketPath }

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file. Open Watch
// streams are cut once ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	_ = os.Remove(s.socketPath)
}

// MetricsServer exposes the Prometheus registry over HTTP. It is inert when
// no metrics_addr is configured.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetricsServer binds metrics_addr so a bad address fails startup.
func NewMetricsServer(settings *config.Profile, m *metrics.Collector, logger *zap.Logger) (*MetricsServer, error) {
	ms := &MetricsServer{logger: logger}
	if settings.MetricsAddr == "" {
		return ms, nil
	}
	listener, err := net.Listen("tcp", settings.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	ms.listener = listener
	ms.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return ms, nil
}

// Addr returns the bound address, or "" when disabled.
func (ms *MetricsServer) Addr() string {
	if ms.listener == nil {
		return ""
	}
	return ms.listener.Addr().String()
}

func (ms *MetricsServer) Start() {
	if ms.srv == nil {
		return
	}
	ms.logger.Info("metrics server starting", zap.String("addr", ms.Addr()))
	go func() {
		if err := ms.srv.Serve(ms.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

func (ms *MetricsServer) Stop(ctx context.Context) {
	if ms.srv == nil {
		return
	}
	_ = ms.srv.Shutdown(ctx)
}
