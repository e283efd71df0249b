package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/loomchat/loom/pkg/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsEnvelope is one server-to-client frame. History replay carries committed
// messages; everything after that is live turn events.
type wsEnvelope struct {
	Type    string              `json:"type"` // "message" or "event"
	Message *domain.Message     `json:"message,omitempty"`
	Event   *domain.StreamEvent `json:"event,omitempty"`
}

// wsRequest is one client-to-server frame. Content starts a turn; Cancel
// cancels the in-flight one.
type wsRequest struct {
	Content string `json:"content"`
	Cancel  bool   `json:"cancel"`
}

func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		http.Error(w, "missing conversation ID", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetConversation(r.Context(), conversationID); err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	outbound := make(chan wsEnvelope, 256)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)

	// Writer goroutine: sole owner of writes on this connection.
	go func() {
		defer wg.Done()
		defer ws.Close()
		for {
			select {
			case <-done:
				return
			case env := <-outbound:
				if err := ws.WriteJSON(env); err != nil {
					s.logger.Error("websocket write error", "error", err)
					return
				}
			}
		}
	}()

	// Replay committed history so the client starts from the full state.
	if err := s.replayHistory(r.Context(), conversationID, outbound); err != nil {
		s.logger.Error("history replay failed", "conversation", conversationID, "error", err)
	}

	// Reader loop.
	for {
		var req wsRequest
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		if req.Cancel {
			s.orchestrator.Cancel(conversationID)
			continue
		}
		if req.Content == "" {
			continue
		}

		events, err := s.orchestrator.RunTurn(r.Context(), conversationID, req.Content)
		if err != nil {
			outbound <- turnRefusedEnvelope(err)
			continue
		}

		// Forward in a goroutine so the reader keeps servicing cancel frames
		// while the turn streams.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				e := ev
				select {
				case outbound <- wsEnvelope{Type: "event", Event: &e}:
				case <-done:
					// Connection gone; keep draining so the turn can settle.
				}
			}
		}()
	}

	// Nobody is listening anymore; abort any in-flight turn so the handler
	// does not linger behind a dead connection.
	s.orchestrator.Cancel(conversationID)
	close(done)
	wg.Wait()
}

func (s *Server) replayHistory(ctx context.Context, conversationID string, outbound chan<- wsEnvelope) error {
	msgs, err := s.store.Messages(ctx, conversationID)
	if err != nil {
		return err
	}
	for i := range msgs {
		outbound <- wsEnvelope{Type: "message", Message: &msgs[i]}
	}
	return nil
}

// turnRefusedEnvelope maps a turn-start failure onto the event shape the
// client already understands.
func turnRefusedEnvelope(err error) wsEnvelope {
	var te *domain.TurnError
	if !errors.As(err, &te) {
		te = domain.NewTurnError(domain.ErrPersistence, "%v", err)
	}
	return wsEnvelope{Type: "event", Event: &domain.StreamEvent{
		Type:  domain.EventTurnError,
		Error: te,
	}}
}
