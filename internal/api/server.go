package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/httpmw"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/streaming"
)

const serverName = "devbridge-api"

// ErrServerRunning is returned by Start on a server that is already serving.
var ErrServerRunning = errors.New("api server already running")

// NewRouter builds the gin engine with middleware, the HTTP routes and, when
// stream is non-nil, the websocket routes.
func NewRouter(h *Handler, stream *streaming.WSHandler, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.RequestID())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.CORS())

	h.RegisterRoutes(router)
	if stream != nil {
		streaming.SetupRoutes(router.Group("/api/v1"), stream)
	}
	return router
}

// Server owns the HTTP listener. Binding is separate from serving so the
// caller can inspect bind failures.
type Server struct {
	cfg     config.ServerConfig
	handler http.Handler
	logger  *logger.Logger

	mu   sync.Mutex
	srv  *http.Server
	addr net.Addr
	done chan struct{}
}

// NewServer creates a stopped server.
func NewServer(cfg config.ServerConfig, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  log.WithFields(zap.String("component", "api-server")),
	}
}

// Start binds host:port and serves in the background. The bind error is
// returned unwrapped so address-in-use can be detected.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return ErrServerRunning
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}
	done := make(chan struct{})
	s.srv = srv
	s.addr = ln.Addr()
	s.done = done

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped unexpectedly", zap.Error(err))
		}
	}()
	s.logger.Info("HTTP server listening", zap.String("addr", s.addr.String()))
	return nil
}

// Port returns the bound port, or 0 when stopped.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tcp, ok := s.addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Running reports whether the server is serving.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ctx. A stopped server returns nil.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.addr, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.logger.Info("HTTP server stopped")
	return err
}
