// Package turn drives one conversation turn: it multiplexes the live backend
// token stream, the tool-call requests discovered inside it, the parallel
// execution of those calls against remote tool servers, and the re-entry of
// their results into a continued generation, all while emitting a single
// ordered event stream.
package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomchat/loom/pkg/domain"
	"github.com/loomchat/loom/pkg/model"
)

// Registry resolves tool names to descriptors.
type Registry interface {
	Lookup(name string) (domain.ToolDescriptor, bool)
	List() []domain.ToolDescriptor
}

// Invoker performs a single bounded tool invocation.
type Invoker interface {
	Invoke(ctx context.Context, desc domain.ToolDescriptor, args map[string]any, timeout time.Duration) *domain.ToolResult
}

// Config bounds one turn.
type Config struct {
	Model        string
	Instructions string
	// ToolTimeout bounds each tool invocation.
	ToolTimeout time.Duration
	// GenerationTimeout bounds each generation request; expiry aborts the
	// turn rather than hanging.
	GenerationTimeout time.Duration
	// MaxRounds caps generation rounds per turn. Hitting the cap completes
	// the turn with the content gathered so far.
	MaxRounds int
}

// Outcome is the final result of a turn.
type Outcome struct {
	State State
	// Assistant holds everything the model produced this turn, in stream
	// order. Partial (and to be flagged incomplete) when State is Aborted.
	Assistant *domain.Message
	// ToolCalls are all tool calls issued during the turn, terminal or not.
	ToolCalls []domain.ToolCall
	// Err is set iff State is Aborted.
	Err *domain.TurnError
}

// Handler runs a single turn. Not restartable: a new turn needs a new Handler.
type Handler struct {
	provider model.Provider
	registry Registry
	invoker  Invoker
	cfg      Config
	logger   *slog.Logger

	turnID string
	events chan domain.StreamEvent
	seq    int

	mu    sync.Mutex
	state State
}

// New creates a handler for one turn.
func New(provider model.Provider, registry Registry, invoker Invoker, cfg Config, turnID string, logger *slog.Logger) *Handler {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 16
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	return &Handler{
		provider: provider,
		registry: registry,
		invoker:  invoker,
		cfg:      cfg,
		logger:   logger,
		turnID:   turnID,
		events:   make(chan domain.StreamEvent, 256),
		state:    StateIdle,
	}
}

// Events returns the turn's ordered event stream. Closed when Run returns.
func (h *Handler) Events() <-chan domain.StreamEvent {
	return h.events
}

// State returns the current state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) to(next State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !transitionValid(h.state, next) {
		h.logger.Warn("invalid turn state transition", "from", h.state, "to", next, "turn", h.turnID)
		return
	}
	h.state = next
}

func (h *Handler) emit(ev domain.StreamEvent) {
	ev.TurnID = h.turnID
	ev.Seq = h.seq
	h.seq++
	h.events <- ev
}

// toolOutcome pairs a settled tool call with its result, in completion order.
type toolOutcome struct {
	call   *domain.ToolCall
	result *domain.ToolResult
}

// Run drives the turn to a terminal state. It closes the event channel on
// return. history is the accumulated conversation context including the new
// user message.
func (h *Handler) Run(ctx context.Context, history []model.Message) Outcome {
	defer close(h.events)

	h.to(StateGenerating)

	msgs := history
	assistant := &domain.Message{
		ID:        uuid.New().String(),
		TurnID:    h.turnID,
		Role:      domain.RoleAssistant,
		CreatedAt: time.Now().UTC(),
	}
	var allCalls []*domain.ToolCall

	for round := 0; round < h.cfg.MaxRounds; round++ {
		roundText, roundReasoning, calls, results, err := h.generate(ctx, msgs)

		if roundReasoning != "" {
			assistant.Parts = append(assistant.Parts, domain.Part{Type: domain.PartTypeReasoning, Text: roundReasoning})
		}
		if roundText != "" {
			assistant.Parts = append(assistant.Parts, domain.Part{Type: domain.PartTypeText, Text: roundText})
		}
		for _, tc := range calls {
			assistant.Parts = append(assistant.Parts, domain.Part{Type: domain.PartTypeToolCall, ToolCall: tc})
			allCalls = append(allCalls, tc)
		}

		if err != nil {
			// Outstanding invocations settle before we abort; their state is
			// part of the partial outcome.
			for range calls {
				h.settle(<-results)
			}
			return h.abort(err, assistant, allCalls)
		}

		if len(calls) == 0 {
			return h.complete(assistant, allCalls)
		}

		// Join: wait for every outstanding call, emitting results in
		// completion order. A failing call does not cancel its siblings.
		var resultParts []domain.Part
		var toolContents []model.Content
		for i := 0; i < len(calls); i++ {
			out := <-results
			h.settle(out)
			tr := &domain.ToolResult{
				ToolCallID: out.call.ID,
				Content:    out.result.Content,
				IsError:    out.result.IsError,
				ErrorKind:  out.result.ErrorKind,
			}
			resultParts = append(resultParts, domain.Part{Type: domain.PartTypeToolResult, ToolResult: tr})
			toolContents = append(toolContents, model.Content{Type: domain.PartTypeToolResult, ToolResult: tr})
		}
		assistant.Parts = append(assistant.Parts, resultParts...)

		if ctx.Err() != nil {
			return h.abort(ctx.Err(), assistant, allCalls)
		}

		// Resume generation with the enlarged context.
		var assistantContents []model.Content
		if roundText != "" {
			assistantContents = append(assistantContents, model.Content{Type: domain.PartTypeText, Text: roundText})
		}
		for _, tc := range calls {
			assistantContents = append(assistantContents, model.Content{Type: domain.PartTypeToolCall, ToolCall: tc})
		}
		msgs = append(msgs,
			model.Message{Role: domain.RoleAssistant, Content: assistantContents},
			model.Message{Role: domain.RoleTool, Content: toolContents},
		)
		h.to(StateGenerating)
	}

	h.logger.Warn("turn hit generation round cap", "turn", h.turnID, "rounds", h.cfg.MaxRounds)
	return h.complete(assistant, allCalls)
}

// generate runs one generation request, re-emitting every incremental unit
// immediately and dispatching tool invocations as they are detected. It
// returns the gathered text, the calls issued this round, and the channel on
// which exactly len(calls) results will arrive in completion order.
func (h *Handler) generate(ctx context.Context, msgs []model.Message) (text, reasoning string, calls []*domain.ToolCall, results chan toolOutcome, err error) {
	genCtx := ctx
	cancel := context.CancelFunc(func() {})
	if h.cfg.GenerationTimeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, h.cfg.GenerationTimeout)
	}
	defer cancel()

	// Buffered so invocation goroutines never block after the handler bails.
	results = make(chan toolOutcome, 64)

	stream, err := h.provider.Stream(genCtx, h.cfg.Model, h.cfg.Instructions, msgs, h.registry.List())
	if err != nil {
		return "", "", nil, results, err
	}
	defer stream.Close()

	var textB, reasoningB strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			if ctx.Err() != nil {
				recvErr = ctx.Err()
			} else if genCtx.Err() != nil {
				// The generation deadline expired mid-stream.
				recvErr = domain.NewTurnError(domain.ErrBackendConnectionLost, "generation timed out: %v", recvErr)
			}
			return textB.String(), reasoningB.String(), calls, results, recvErr
		}

		switch chunk.Type {
		case model.ChunkText:
			textB.WriteString(chunk.Text)
			h.emit(domain.StreamEvent{Type: domain.EventTokenDelta, Delta: chunk.Text})
		case model.ChunkReasoning:
			reasoningB.WriteString(chunk.Text)
			h.emit(domain.StreamEvent{Type: domain.EventReasoningDelta, Delta: chunk.Text})
		case model.ChunkToolCall:
			tc := chunk.ToolCall
			tc.Status = domain.ToolCallPending
			tc.StartedAt = time.Now().UTC()
			calls = append(calls, tc)
			h.to(StateToolPending)
			h.emit(domain.StreamEvent{Type: domain.EventToolCallStarted, ToolCall: snapshot(tc)})
			h.dispatch(ctx, tc, results)
		default:
			return textB.String(), reasoningB.String(), calls, results,
				domain.NewTurnError(domain.ErrBackendProtocol, "unknown chunk type %q", chunk.Type)
		}
	}
	return textB.String(), reasoningB.String(), calls, results, nil
}

// dispatch starts one tool invocation. The backend is not asked for new
// generation while calls are outstanding; unrelated calls from the same burst
// run in parallel.
func (h *Handler) dispatch(ctx context.Context, tc *domain.ToolCall, results chan<- toolOutcome) {
	// A call that fails resolution still delivers a result on the channel,
	// so the handler treats it as in flight until the join settles it.
	h.to(StateToolRunning)

	desc, found := h.registry.Lookup(tc.Name)
	if !found {
		go func() {
			results <- toolOutcome{call: tc, result: &domain.ToolResult{
				Content:   "tool not found: " + tc.Name,
				IsError:   true,
				ErrorKind: domain.ErrToolNotFound,
			}}
		}()
		return
	}

	args, err := tc.InputMap()
	if err != nil {
		go func() {
			results <- toolOutcome{call: tc, result: &domain.ToolResult{
				Content:   err.Error(),
				IsError:   true,
				ErrorKind: domain.ErrToolRemoteFailure,
			}}
		}()
		return
	}

	if err := tc.Advance(domain.ToolCallRunning); err != nil {
		h.logger.Warn("tool call state error", "turn", h.turnID, "error", err)
	}

	go func() {
		res := h.invoker.Invoke(ctx, desc, args, h.cfg.ToolTimeout)
		results <- toolOutcome{call: tc, result: res}
	}()
}

// settle moves a tool call to its terminal state and emits the result event.
func (h *Handler) settle(out toolOutcome) {
	tc, res := out.call, out.result
	tc.EndedAt = time.Now().UTC()
	if res.IsError {
		if err := tc.Advance(domain.ToolCallFailed); err != nil {
			h.logger.Warn("tool call state error", "turn", h.turnID, "error", err)
		}
		tc.Error = res.Content
		tc.ErrorKind = res.ErrorKind
		h.logger.Info("tool call failed", "turn", h.turnID, "tool", tc.Name, "kind", res.ErrorKind)
	} else {
		if err := tc.Advance(domain.ToolCallSucceeded); err != nil {
			h.logger.Warn("tool call state error", "turn", h.turnID, "error", err)
		}
		tc.Result = res.Content
	}
	h.emit(domain.StreamEvent{Type: domain.EventToolCallResult, ToolCall: snapshot(tc)})
}

func (h *Handler) complete(assistant *domain.Message, calls []*domain.ToolCall) Outcome {
	h.to(StateCompleted)
	h.emit(domain.StreamEvent{Type: domain.EventTurnComplete, Message: assistant})
	return Outcome{
		State:     StateCompleted,
		Assistant: assistant,
		ToolCalls: copyCalls(calls),
	}
}

func (h *Handler) abort(cause error, assistant *domain.Message, calls []*domain.ToolCall) Outcome {
	var te *domain.TurnError
	if !errors.As(cause, &te) {
		te = domain.NewTurnError(domain.KindOf(cause), "%v", cause)
	}
	h.to(StateAborted)
	h.emit(domain.StreamEvent{Type: domain.EventTurnError, Error: te})
	h.logger.Warn("turn aborted", "turn", h.turnID, "kind", te.Kind, "error", te.Message)

	if len(assistant.Parts) == 0 {
		assistant = nil
	}
	return Outcome{
		State:     StateAborted,
		Assistant: assistant,
		ToolCalls: copyCalls(calls),
		Err:       te,
	}
}

func snapshot(tc *domain.ToolCall) *domain.ToolCall {
	cp := *tc
	return &cp
}

func copyCalls(calls []*domain.ToolCall) []domain.ToolCall {
	out := make([]domain.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, *tc)
	}
	return out
}
