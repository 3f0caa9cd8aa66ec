// Package api provides the HTTP admin API for indusgpt.
//
// It exposes health, per-user conversation state and answers, operator force-finish, a CSV
// export of all answers and, for the Twilio provider, the inbound webhook.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/samedit66/indusgpt/internal/conversation"
	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/store"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// Conversation is the part of conversation.Machine the API reads and drives.
type Conversation interface {
	Questions() []models.Question
	CurrentState(ctx context.Context, userID string) (conversation.State, error)
	QaPairs(ctx context.Context, userID string) ([]models.QaPair, error)
	ForceFinish(ctx context.Context, userID string) ([]models.QaPair, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr    string
	Webhook http.Handler
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook at POST /twilio/webhook.
func WithTwilioWebhook(h http.Handler) Option {
	return func(o *Opts) {
		o.Webhook = h
	}
}

// Server serves the admin API.
type Server struct {
	conv    Conversation
	st      store.Store
	addr    string
	webhook http.Handler
	started time.Time
}

// NewServer creates a server over the conversation machine and its store.
func NewServer(conv Conversation, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{conv: conv, st: st, addr: cfg.Addr, webhook: cfg.Webhook, started: time.Now()}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("GET /users/{id}/state", s.stateHandler)
	mux.HandleFunc("GET /users/{id}/qa", s.qaHandler)
	mux.HandleFunc("POST /users/{id}/finish", s.finishHandler)
	mux.HandleFunc("GET /export", s.exportHandler)
	if s.webhook != nil {
		mux.Handle("POST /twilio/webhook", s.webhook)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("Server.Run: shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
