// Package web serves the letter browsing API over HTTP(S).
package web

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shineum/letter-opener-web/internal/letter"
)

// shutdownTimeout is the maximum time to wait for in-flight requests
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// ServerConfig holds the configuration for an HTTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":3000").
	ListenAddr string

	// Repository is where letters are read from. It can be replaced while
	// the server runs with SetRepository.
	Repository *letter.Repository

	// TLSConfig enables HTTPS when non-nil.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure HTTP basic auth.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string
}

// Server is an HTTP server exposing letters from the current Repository.
type Server struct {
	config  ServerConfig
	auth    *Authenticator
	repo    atomic.Pointer[letter.Repository]
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new HTTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	s := &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
	s.repo.Store(cfg.Repository)
	s.handler = s.routes()
	return s
}

// SetRepository swaps the repository used by subsequent requests.
// Requests already in flight keep the repository they started with.
func (s *Server) SetRepository(repo *letter.Repository) {
	s.repo.Store(repo)
	slog.Info("letters repository replaced", "backend", repo.Backend().Name())
}

// Repository returns the repository currently serving requests.
func (s *Server) Repository() *letter.Repository {
	return s.repo.Load()
}

// Handler returns the server's HTTP handler, including auth and request logging.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts the HTTP server and blocks until the context is
// cancelled. On cancellation it stops accepting connections and waits up to
// 30 seconds for in-flight requests to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	slog.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"backend", s.Repository().Backend().Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		slog.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr <- srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if err := <-shutdownErr; err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		return srv.Close()
	}
	slog.Info("all requests completed")
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
