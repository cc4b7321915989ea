// Package api serves the CarValue HTTP endpoints: the inbound chat webhook, health
// and the valuation history.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CarValue/internal/messaging"
	"github.com/BTreeMap/CarValue/internal/models"
	"github.com/BTreeMap/CarValue/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8000"
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// MaxWebhookBodyBytes caps inbound webhook payloads.
	MaxWebhookBodyBytes = 64 << 10
)

// SessionCounter reports the number of conversations in progress.
type SessionCounter interface {
	ActiveSessions() int
}

// Inbox accepts inbound messages for processing.
type Inbox interface {
	Submit(response models.Response) error
}

// Server is the HTTP front end of the service.
type Server struct {
	addr     string
	inbox    Inbox
	st       store.Store
	sessions SessionCounter
	started  time.Time

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// NewServer builds a server. inbox receives webhook deliveries, st serves history
// and sessions feeds the health endpoint.
func NewServer(inbox Inbox, st store.Store, sessions SessionCounter, opts ...Option) *Server {
	s := &Server{
		addr:     DefaultAddr,
		inbox:    inbox,
		st:       st,
		sessions: sessions,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(messaging.WebhookPath, s.webhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/valuations", s.valuationsHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	return mux
}

// Run listens until Shutdown is called.
func (s *Server) Run() error {
	slog.Info("Server.Run: listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}
