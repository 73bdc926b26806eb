package server

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/internal/store"
	"github.com/carepath/carepath/internal/streaming"
)

// defaultRunTimeout bounds one chat turn end to end, including provider
// retries, unless Deps overrides it.
const defaultRunTimeout = 60 * time.Second

// Deps holds the dependencies for the HTTP API server.
type Deps struct {
	Store    store.Store
	Flow     *flow.Flow
	Executor *flow.Executor
	Hub      streaming.EventHub
	Logger   *slog.Logger

	// RunTimeout is the per-turn deadline. Zero selects the default.
	RunTimeout time.Duration
}

// Server exposes the chat pipeline over HTTP: turn submission, transcript
// reads, audit reads, and a live event stream per conversation.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.RunTimeout <= 0 {
		deps.RunTimeout = defaultRunTimeout
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/conversations/{id}/chat", s.handleChat)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversation)
	mux.HandleFunc("GET /api/conversations/{id}/turns", s.handleTurns)
	mux.HandleFunc("GET /api/conversations/{id}/audit", s.handleAudit)

	// SSE streams.
	mux.HandleFunc("GET /api/conversations/{id}/events", s.handleSSEConversation)
	mux.HandleFunc("GET /api/events", s.handleSSEGlobal)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}
