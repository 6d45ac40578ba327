// Package api exposes the HTTP surface of the follow-up service: the
// operator endpoints for launching questionnaire cycles and reading clinical
// responses, plus the inbound Twilio webhook.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/postopcare/followup/internal/messaging"
	"github.com/postopcare/followup/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown on Stop.
const shutdownTimeout = 10 * time.Second

// FollowUpGate is the flow surface the API drives (defined here so handlers
// can be tested against a fake).
type FollowUpGate interface {
	MarkTemplateSent(ctx context.Context, rawAddress, patientID, followUpID, templateID string, params map[string]string, locale string) error
	IsAwaitingQuestionnaire(rawAddress string) (bool, error)
	GetConversationFollowUp(rawAddress string) (string, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server hosts the HTTP API.
type Server struct {
	addr       string
	msgService messaging.Service
	gate       FollowUpGate
	store      store.Store
	// webhook receives inbound Twilio requests; nil when the transport has
	// no webhook (e.g. the live WhatsApp socket).
	webhook http.HandlerFunc

	httpServer *http.Server
}

// NewServer creates the API server over its collaborators.
func NewServer(msgService messaging.Service, gate FollowUpGate, st store.Store, webhook http.HandlerFunc, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		addr:       cfg.Addr,
		msgService: msgService,
		gate:       gate,
		store:      st,
		webhook:    webhook,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/followups/invite", s.inviteHandler)
		r.Get("/followups/{followUpID}/response", s.followUpResponseHandler)
		r.Get("/conversations/{address}", s.conversationStatusHandler)
	})

	if s.webhook != nil {
		r.Post("/webhook/twilio", s.webhook)
	}

	return r
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("API server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
