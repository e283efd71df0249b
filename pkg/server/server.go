// Package server exposes the chat backend over REST and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loomchat/loom/pkg/chat"
	"github.com/loomchat/loom/pkg/domain"
	"github.com/loomchat/loom/pkg/store"
	"github.com/loomchat/loom/pkg/toolserver"
)

// ToolLister exposes the currently registered tools.
type ToolLister interface {
	List() []domain.ToolDescriptor
}

// Server serves the REST API and the chat WebSocket.
type Server struct {
	store        store.ConversationStore
	orchestrator *chat.Orchestrator
	toolServers  *toolserver.Manager
	tools        ToolLister
	logger       *slog.Logger
	srv          *http.Server
}

// New creates a new Server.
func New(
	st store.ConversationStore,
	orchestrator *chat.Orchestrator,
	toolServers *toolserver.Manager,
	tools ToolLister,
	logger *slog.Logger,
) *Server {
	return &Server{
		store:        st,
		orchestrator: orchestrator,
		toolServers:  toolServers,
		tools:        tools,
		logger:       logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	s.logger.Info("starting server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversations
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleGetMessages)

	// Tools
	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("GET /api/toolservers", s.handleListToolServers)
	mux.HandleFunc("POST /api/toolservers", s.handleConnectToolServer)
	mux.HandleFunc("DELETE /api/toolservers/{id}", s.handleDisconnectToolServer)

	// WebSocket
	mux.HandleFunc("/api/conversations/{id}/chat", s.handleChatWebSocket)

	return s.corsMiddleware(mux)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	s.logger.Error("api error", "status", status, "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
