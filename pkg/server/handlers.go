package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/loomchat/loom/pkg/domain"
)

// --- Conversations ---

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	s.jsonResponse(w, http.StatusOK, convs)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var c domain.Conversation
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if err := s.store.CreateConversation(r.Context(), &c); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, c)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.orchestrator.Busy(id) {
		s.errorResponse(w, http.StatusConflict, fmt.Errorf("conversation %s has a turn in flight", id))
		return
	}
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	msgs, err := s.store.Messages(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	s.jsonResponse(w, http.StatusOK, msgs)
}

// --- Tools ---

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := s.tools.List()
	if tools == nil {
		tools = []domain.ToolDescriptor{}
	}
	s.jsonResponse(w, http.StatusOK, tools)
}

func (s *Server) handleListToolServers(w http.ResponseWriter, r *http.Request) {
	conns := s.toolServers.List()
	if conns == nil {
		conns = []domain.ToolServerConnection{}
	}
	s.jsonResponse(w, http.StatusOK, conns)
}

func (s *Server) handleConnectToolServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("url is required"))
		return
	}

	conn, err := s.toolServers.Connect(r.Context(), req.URL)
	if err != nil {
		// Handshake failures report the reason; nothing was registered.
		s.jsonResponse(w, http.StatusBadGateway, map[string]any{
			"connected": false,
			"error":     err.Error(),
		})
		return
	}
	s.jsonResponse(w, http.StatusCreated, conn)
}

func (s *Server) handleDisconnectToolServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.toolServers.Disconnect(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
