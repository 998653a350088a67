package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"log/slog"
)

type Server struct {
	server *http.Server
	logger *slog.Logger
}

type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

func New(addr string, handler http.Handler, timeouts Timeouts, logger *slog.Logger) *Server {
	if timeouts.Read <= 0 {
		timeouts.Read = 15 * time.Second
	}
	if timeouts.Write <= 0 {
		timeouts.Write = 15 * time.Second
	}
	if timeouts.Idle <= 0 {
		timeouts.Idle = 60 * time.Second
	}
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  timeouts.Read,
			WriteTimeout: timeouts.Write,
			IdleTimeout:  timeouts.Idle,
		},
		logger: logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}
