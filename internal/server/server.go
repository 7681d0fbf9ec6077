package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zjrosen/cascade/internal/log"
)

// Server wraps the HTTP server lifecycle for the coordinator API.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	port       int
}

// NewServer creates a server listening on addr. A ":0" port picks a
// free one; Port() reports the bound port. Middleware wraps the routes
// outermost-first; nil entries are skipped.
func NewServer(handler *Handler, addr string, middleware ...func(http.Handler) http.Handler) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port

	var routes http.Handler = handler.Routes()
	for i := len(middleware) - 1; i >= 0; i-- {
		if middleware[i] != nil {
			routes = middleware[i](routes)
		}
	}

	httpServer := &http.Server{
		Handler:           routes,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: SSE and websocket connections are long-lived.
		WriteTimeout: 0,
	}

	return &Server{
		httpServer: httpServer,
		listener:   listener,
		port:       actualPort,
	}, nil
}

// Port returns the port the server is bound to.
func (s *Server) Port() int {
	return s.port
}

// Start serves requests until Stop is called. Blocks.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "api server listening", "port", s.port)
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "api server stopping")
	return s.httpServer.Shutdown(ctx)
}
