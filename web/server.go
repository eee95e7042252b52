package web

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	mode            string
	port            int64
	shutdownTimeout time.Duration
	handlers        []gin.HandlerFunc
}

type Option func(*Server)

func defaultServer() *Server {
	return &Server{
		mode:            gin.ReleaseMode,
		port:            8080,
		shutdownTimeout: 15 * time.Second,
	}
}

func WithMode(mode string) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

func WithPort(port int64) Option {
	return func(s *Server) {
		s.port = port
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithMiddleware runs handler in front of every request.
func WithMiddleware(handler gin.HandlerFunc) Option {
	return func(s *Server) {
		s.handlers = append(s.handlers, handler)
	}
}

// Run listens on the configured port and serves handler until ctx is done.
func Run(ctx context.Context, lg *zap.Logger, handler http.Handler, opts ...Option) error {
	s := defaultServer()
	for _, opt := range opts {
		opt(s)
	}
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.serve(ctx, lg, ln, handler)
}

// Serve is Run on an existing listener.
func Serve(ctx context.Context, lg *zap.Logger, ln net.Listener, handler http.Handler, opts ...Option) error {
	s := defaultServer()
	for _, opt := range opts {
		opt(s)
	}
	return s.serve(ctx, lg, ln, handler)
}

func (s *Server) serve(ctx context.Context, lg *zap.Logger, ln net.Listener, handler http.Handler) error {
	gin.SetMode(s.mode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.handlers...)
	engine.GET("/healthcheck", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	engine.NoRoute(gin.WrapH(handler))

	server := &http.Server{Handler: engine}
	errCh := make(chan error, 1)
	go func() {
		lg.Info("starting web server ...", zap.String("address", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	lg.Info("shutdown web server ...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown web server: %w", err)
	}
	lg.Info("web server exiting")
	return nil
}
