package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mir00r/registry-gateway/internal/config"
	"github.com/mir00r/registry-gateway/pkg/logger"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// DefaultShutdownTimeout bounds graceful shutdown of every server
const DefaultShutdownTimeout = 30 * time.Second

// Runner is a blocking unit of work that returns once ctx is done
type Runner func(ctx context.Context) error

// Run starts every runner and waits for all of them. The first runner to
// fail cancels the others; its error is returned.
func Run(ctx context.Context, runners ...Runner) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, run := range runners {
		run := run
		g.Go(func() error {
			return run(gctx)
		})
	}
	return g.Wait()
}

// HTTPServer serves one handler with optional cleartext HTTP/2
type HTTPServer struct {
	name            string
	server          *http.Server
	logger          *logger.Logger
	h2c             bool
	shutdownTimeout time.Duration
}

// NewHTTPServer builds a server listening on port
func NewHTTPServer(name string, port int, cfg config.ServerConfig, handler http.Handler, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.EnableH2C {
		handler = h2c.NewHandler(handler, &http2.Server{
			MaxConcurrentStreams: 1000,
			IdleTimeout:          cfg.IdleTimeout,
		})
	}
	return &HTTPServer{
		name: name,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger:          log.WithField("component", name+"_server"),
		h2c:             cfg.EnableH2C,
		shutdownTimeout: DefaultShutdownTimeout,
	}
}

// Addr returns the configured listen address
func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

// ListenAndServe binds the configured address and serves until ctx is done
func (s *HTTPServer) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("%s server: listen on %s: %w", s.name, s.server.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is done, then shuts down
// gracefully within the shutdown timeout
func (s *HTTPServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithFields(map[string]interface{}{
			"addr": lis.Addr().String(),
			"h2c":  s.h2c,
		}).Info("Starting HTTP server")
		errCh <- s.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", s.name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Error shutting down HTTP server")
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// GRPCServer owns a gRPC server and its listener
type GRPCServer struct {
	port            int
	server          *grpc.Server
	logger          *logger.Logger
	shutdownTimeout time.Duration
}

// NewGRPCServer creates a gRPC server and lets each register function
// install its services
func NewGRPCServer(port int, log *logger.Logger, register ...func(*grpc.Server)) *GRPCServer {
	if log == nil {
		log = logger.Discard()
	}
	s := grpc.NewServer()
	for _, fn := range register {
		fn(s)
	}
	return &GRPCServer{
		port:            port,
		server:          s,
		logger:          log.WithField("component", "grpc_server"),
		shutdownTimeout: DefaultShutdownTimeout,
	}
}

// ListenAndServe binds the configured port and serves until ctx is done
func (s *GRPCServer) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("grpc server: listen on port %d: %w", s.port, err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is done. In-flight RPCs get the
// shutdown timeout to finish before the server is stopped hard.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", lis.Addr().String()).Info("Starting gRPC server")
		errCh <- s.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("grpc server: %w", err)
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("gRPC graceful stop timed out, forcing stop")
		s.server.Stop()
	}
	s.logger.Info("gRPC server stopped")
	return nil
}
