// Package server exposes the used-CSS pipeline over HTTP: admin actions,
// content-change webhooks, page requests and a websocket event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/usedcss"
)

// ShutdownTimeout bounds graceful shutdown of the http server and hub
const ShutdownTimeout = 5 * time.Second

// PrincipalHeader names the acting user on admin requests. The server sits
// behind an authenticating proxy that sets it. Only principals listed in
// server.admins are accepted, and never usedcss.LocalPrincipal.
const PrincipalHeader = "X-Principal"

// Server serves the pipeline's HTTP surface
type Server struct {
	orch           *usedcss.Orchestrator
	hub            *Hub
	allowedOrigins []string
	admins         map[string]bool
	logger         *zap.SugaredLogger
}

// New creates a server for orch. hub may be nil, in which case /ws is not
// served.
func New(orch *usedcss.Orchestrator, hub *Hub, cfg am.ServerConfig, log *zap.SugaredLogger) *Server {
	admins := make(map[string]bool, len(cfg.Admins))
	for _, a := range cfg.Admins {
		if a != "" && a != usedcss.LocalPrincipal {
			admins[a] = true
		}
	}
	return &Server{
		orch:           orch,
		hub:            hub,
		allowedOrigins: cfg.AllowedOrigins,
		admins:         admins,
		logger:         log.Named("server"),
	}
}

// adminPrincipal returns the principal of an admin request, or writes 401
// when none is named and 403 when it is not a configured admin.
func (s *Server) adminPrincipal(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal := r.Header.Get(PrincipalHeader)
	var err error
	switch {
	case principal == "":
		err = errors.Wrap(errors.ErrUnauthorized, "missing "+PrincipalHeader)
	case principal == usedcss.LocalPrincipal:
		err = errors.Wrapf(errors.ErrForbidden, "principal %q is reserved for local commands", principal)
	case !s.admins[principal]:
		err = errors.Wrapf(errors.ErrForbidden, "principal %q is not an admin", principal)
	}
	if err != nil {
		writeErrorFor(w, s.logger, err)
		return "", false
	}
	return principal, true
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "http server on port %d", port)
	case <-ctx.Done():
	}

	s.logger.Infow("Initiating server shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if s.hub != nil {
		s.hub.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	s.logger.Infow("Server shutdown complete")
	return nil
}
