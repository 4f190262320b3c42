package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"go.uber.org/zap"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger     *zap.SugaredLogger
	httpServer *http.Server
	h          handler
	config     config
}

// New returns a Server wiring every endpoint to the provided store and
// account deleter. Options are applied before the middleware chain, so the
// chain (request log, POST/JSON enforcement, bearer authentication) always
// wraps whatever the options produced.
func New(logger *zap.SugaredLogger, st store, resolver tokenResolver, deleter accountDeleter, opts ...Option) (*Server, error) {
	srv := &Server{
		logger: logger,
		h: handler{
			logger:  logger,
			store:   st,
			deleter: deleter,
		},
	}

	cfg := config{
		httpServer: &http.Server{Addr: "0.0.0.0:9000"},
		handlers: map[string]http.Handler{
			"/messages/send":       http.HandlerFunc(srv.h.sendMessage),
			"/messages/get":        http.HandlerFunc(srv.h.getMessages),
			"/messages/exclusions": http.HandlerFunc(srv.h.getExclusions),
			"/conversations/get":   http.HandlerFunc(srv.h.getConversations),
			"/gallery/get":         http.HandlerFunc(srv.h.getGallery),
			"/devices/register":    http.HandlerFunc(srv.h.registerDevice),
			"/notifications/get":   http.HandlerFunc(srv.h.getNotifications),
			"/memberships/add":     http.HandlerFunc(srv.h.addMembership),
			"/account/delete":      http.HandlerFunc(srv.h.deleteAccount),
		},
	}

	opts = append(opts,
		applyAuthenticate(resolver, logger),
		applyEnforcePostJson(),
		applyLog(logger.Desugar()),
		registerHandlers(),
	)
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	srv.httpServer = cfg.httpServer
	srv.config = cfg

	return srv, nil
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.config.afterShutdown {
		f()
	}

	return nil
}
