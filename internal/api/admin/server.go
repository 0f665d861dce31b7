package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/R3E-Network/entity_engine/pkg/logger"
)

// Server runs the admin handler on its own listener.
type Server struct {
	srv *http.Server
	log *logger.Logger

	mu   sync.Mutex
	addr net.Addr
	done chan error
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("admin")
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.done = make(chan error, 1)
	done := s.done
	s.mu.Unlock()

	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.log.WithError(err).Error("admin server stopped")
		}
		done <- err
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("admin server listening")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-done
}
