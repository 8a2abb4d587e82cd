// internal/server/server.go
package server

import (
	"context"
	"net/http"
	"time"

	"diet-report/pkg/logger"

	"go.uber.org/zap"
)

type Server struct {
	server *http.Server
	logger *logger.Logger
}

// NewServer serves handler on port.
func NewServer(port string, handler http.Handler, log *logger.Logger) *Server {
	log = log.Named("server")
	return &Server{
		server: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    16 << 10,
			ErrorLog:          zap.NewStdLog(log.Desugar()),
		},
		logger: log,
	}
}

func (s *Server) Start() error {
	s.logger.Infow("Starting HTTP server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop waits for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
