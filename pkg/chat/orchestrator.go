// Package chat coordinates conversation turns: it owns the per-conversation
// turn lock, assembles model context from the committed history, runs the turn
// handler, and commits the finished turn before releasing the terminal event.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomchat/loom/pkg/domain"
	"github.com/loomchat/loom/pkg/model"
	"github.com/loomchat/loom/pkg/store"
	"github.com/loomchat/loom/pkg/turn"
)

// Config holds the generation parameters applied to every turn.
type Config struct {
	Model             string
	Instructions      string
	ToolTimeout       time.Duration
	GenerationTimeout time.Duration
	MaxRounds         int
}

// Orchestrator runs turns against conversations. One turn per conversation at
// a time; turns on different conversations run independently.
type Orchestrator struct {
	store    store.ConversationStore
	provider model.Provider
	registry turn.Registry
	invoker  turn.Invoker
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates an orchestrator.
func New(st store.ConversationStore, provider model.Provider, registry turn.Registry, invoker turn.Invoker, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		provider: provider,
		registry: registry,
		invoker:  invoker,
		cfg:      cfg,
		logger:   logger,
		active:   make(map[string]context.CancelFunc),
	}
}

// RunTurn starts a turn for the given user input and returns its event
// stream. The channel carries every incremental event and closes after
// exactly one terminal event. The terminal turn-complete is released only
// after the turn has been durably committed; a failed commit surfaces as a
// turn-error instead.
//
// Returns a TurnError of kind concurrent_turn_conflict immediately if a turn
// is already running on the conversation.
func (o *Orchestrator) RunTurn(ctx context.Context, conversationID, userText string) (<-chan domain.StreamEvent, error) {
	if _, err := o.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	history, err := o.store.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel, err := o.acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	turnID := uuid.New().String()
	userMsg := &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		TurnID:         turnID,
		Role:           domain.RoleUser,
		Parts:          []domain.Part{{Type: domain.PartTypeText, Text: userText}},
		CreatedAt:      time.Now().UTC(),
	}

	msgs := toModelMessages(history)
	msgs = append(msgs, model.Message{
		Role:    domain.RoleUser,
		Content: []model.Content{{Type: domain.PartTypeText, Text: userText}},
	})

	h := turn.New(o.provider, o.registry, o.invoker, turn.Config{
		Model:             o.cfg.Model,
		Instructions:      o.cfg.Instructions,
		ToolTimeout:       o.cfg.ToolTimeout,
		GenerationTimeout: o.cfg.GenerationTimeout,
		MaxRounds:         o.cfg.MaxRounds,
	}, turnID, o.logger)

	out := make(chan domain.StreamEvent, 256)

	outcomeCh := make(chan turn.Outcome, 1)
	go func() {
		outcomeCh <- h.Run(turnCtx, msgs)
	}()

	go func() {
		defer close(out)
		defer o.release(conversationID, cancel)

		var terminal *domain.StreamEvent
		for ev := range h.Events() {
			if ev.Type == domain.EventTurnComplete || ev.Type == domain.EventTurnError {
				// Held back until the turn is committed.
				held := ev
				terminal = &held
				continue
			}
			out <- ev
		}
		outcome := <-outcomeCh

		if commitErr := o.commit(conversationID, turnID, userMsg, outcome); commitErr != nil {
			o.logger.Error("turn commit failed", "conversation", conversationID, "turn", turnID, "error", commitErr)
			if outcome.State == turn.StateCompleted {
				out <- domain.StreamEvent{
					Type:   domain.EventTurnError,
					TurnID: turnID,
					Error:  domain.NewTurnError(domain.ErrPersistence, "failed to persist turn: %v", commitErr),
				}
				return
			}
			// The aborted turn's own terminal event stands, annotated so
			// the client knows the partial output was not persisted.
			if terminal != nil && terminal.Error != nil {
				terminal.Error = domain.NewTurnError(terminal.Error.Kind,
					"%s (partial output not persisted: %v)", terminal.Error.Message, commitErr)
			}
		}

		if terminal != nil {
			out <- *terminal
		}
	}()

	return out, nil
}

// Cancel cancels the conversation's in-flight turn, if any. Reports whether a
// turn was active.
func (o *Orchestrator) Cancel(conversationID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[conversationID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Busy reports whether the conversation has a turn in flight.
func (o *Orchestrator) Busy(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[conversationID]
	return ok
}

func (o *Orchestrator) acquire(ctx context.Context, conversationID string) (context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[conversationID]; busy {
		return nil, nil, domain.NewTurnError(domain.ErrConcurrentTurn, "conversation %s already has a turn in flight", conversationID)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	o.active[conversationID] = cancel
	return turnCtx, cancel, nil
}

func (o *Orchestrator) release(conversationID string, cancel context.CancelFunc) {
	o.mu.Lock()
	delete(o.active, conversationID)
	o.mu.Unlock()
	cancel()
}

// commit persists the turn: always the user message, plus the assistant
// message when the model produced anything. An aborted turn's partial
// assistant message is flagged incomplete.
func (o *Orchestrator) commit(conversationID, turnID string, userMsg *domain.Message, outcome turn.Outcome) error {
	msgs := []*domain.Message{userMsg}
	if outcome.Assistant != nil {
		if outcome.State == turn.StateAborted {
			outcome.Assistant.Incomplete = true
		}
		msgs = append(msgs, outcome.Assistant)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return o.store.AppendTurn(ctx, conversationID, turnID, msgs)
}

// toModelMessages converts committed history into the model's context shape.
// Assistant tool_result parts become separate tool-role messages so the
// backend sees call and result as distinct entries. Reasoning is not resent.
func toModelMessages(history []domain.Message) []model.Message {
	var out []model.Message
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser:
			out = append(out, model.Message{
				Role:    domain.RoleUser,
				Content: []model.Content{{Type: domain.PartTypeText, Text: m.Text()}},
			})
		case domain.RoleAssistant:
			var assistant []model.Content
			var tool []model.Content
			flush := func() {
				if len(assistant) > 0 {
					out = append(out, model.Message{Role: domain.RoleAssistant, Content: assistant})
					assistant = nil
				}
				if len(tool) > 0 {
					out = append(out, model.Message{Role: domain.RoleTool, Content: tool})
					tool = nil
				}
			}
			for _, p := range m.Parts {
				switch p.Type {
				case domain.PartTypeText:
					if len(tool) > 0 {
						flush()
					}
					assistant = append(assistant, model.Content{Type: domain.PartTypeText, Text: p.Text})
				case domain.PartTypeToolCall:
					if len(tool) > 0 {
						flush()
					}
					assistant = append(assistant, model.Content{Type: domain.PartTypeToolCall, ToolCall: p.ToolCall})
				case domain.PartTypeToolResult:
					tool = append(tool, model.Content{Type: domain.PartTypeToolResult, ToolResult: p.ToolResult})
				}
			}
			flush()
		}
	}
	return out
}
