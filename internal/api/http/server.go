package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"referralfees/internal/config"

	"go.uber.org/zap"
)

type Server struct {
	log *zap.SugaredLogger
	srv *http.Server

	mu   sync.Mutex
	addr net.Addr
}

func NewServer(log *zap.SugaredLogger, cfg *config.HTTPConfig, handler http.Handler) *Server {
	if cfg == nil {
		panic("http config cannot be nil")
	}

	return &Server{
		log: log,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

// Start blocks until the server stops; returns http.ErrServerClosed after Shutdown
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.log.Infof("HTTP server listening on %s", ln.Addr())
	return s.srv.Serve(ln)
}

// Addr bound address once Start has begun listening
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Infof("HTTP server stopped")
	return nil
}
