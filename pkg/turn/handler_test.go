package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/pkg/domain"
	"github.com/loomchat/loom/pkg/model"
)

// scriptRound is one generation round of a scripted provider: its chunks are
// streamed in order, then err (or io.EOF when nil) ends the round.
type scriptRound struct {
	chunks  []model.Chunk
	err     error
	openErr error
}

type scriptedProvider struct {
	mu     sync.Mutex
	rounds []scriptRound
	// seen records the context passed to each Stream call.
	seen [][]model.Message
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(_ context.Context, _, _ string, messages []model.Message, _ []domain.ToolDescriptor) (model.ModelStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, messages)
	if len(p.rounds) == 0 {
		return nil, fmt.Errorf("scripted provider exhausted")
	}
	round := p.rounds[0]
	p.rounds = p.rounds[1:]
	if round.openErr != nil {
		return nil, round.openErr
	}
	return &scriptStream{round: round}, nil
}

func (p *scriptedProvider) streamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

type scriptStream struct {
	round scriptRound
	pos   int
}

func (s *scriptStream) Recv() (model.Chunk, error) {
	if s.pos < len(s.round.chunks) {
		c := s.round.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.round.err != nil {
		return model.Chunk{}, s.round.err
	}
	return model.Chunk{}, io.EOF
}

func (s *scriptStream) Close() error { return nil }

type fakeRegistry struct {
	descs []domain.ToolDescriptor
}

func (r *fakeRegistry) Lookup(name string) (domain.ToolDescriptor, bool) {
	for _, d := range r.descs {
		if d.Name == name {
			return d, true
		}
	}
	return domain.ToolDescriptor{}, false
}

func (r *fakeRegistry) List() []domain.ToolDescriptor { return r.descs }

type fakeInvoker struct {
	fn func(ctx context.Context, desc domain.ToolDescriptor, args map[string]any) *domain.ToolResult
}

func (f *fakeInvoker) Invoke(ctx context.Context, desc domain.ToolDescriptor, args map[string]any, _ time.Duration) *domain.ToolResult {
	return f.fn(ctx, desc, args)
}

func textChunk(s string) model.Chunk { return model.Chunk{Type: model.ChunkText, Text: s} }

func callChunk(id, name string, args string) model.Chunk {
	return model.Chunk{Type: model.ChunkToolCall, ToolCall: &domain.ToolCall{
		ID:        id,
		Name:      name,
		Arguments: json.RawMessage(args),
		Status:    domain.ToolCallPending,
	}}
}

func okInvoker(content string) *fakeInvoker {
	return &fakeInvoker{fn: func(context.Context, domain.ToolDescriptor, map[string]any) *domain.ToolResult {
		return &domain.ToolResult{Content: content}
	}}
}

func newTestHandler(p model.Provider, reg Registry, inv Invoker, cfg Config) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(p, reg, inv, cfg, "turn-1", logger)
}

// runAndDrain runs the turn and collects the full event stream.
func runAndDrain(h *Handler, ctx context.Context, history []model.Message) (Outcome, []domain.StreamEvent) {
	outcome := h.Run(ctx, history)
	var events []domain.StreamEvent
	for ev := range h.Events() {
		events = append(events, ev)
	}
	return outcome, events
}

func eventsOfType(events []domain.StreamEvent, typ domain.EventType) []domain.StreamEvent {
	var out []domain.StreamEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func userMsg(text string) []model.Message {
	return []model.Message{{Role: domain.RoleUser, Content: []model.Content{{Type: domain.PartTypeText, Text: text}}}}
}

func TestPlainTextTurn(t *testing.T) {
	p := &scriptedProvider{rounds: []scriptRound{
		{chunks: []model.Chunk{textChunk("Hello"), textChunk(", "), textChunk("world")}},
	}}
	h := newTestHandler(p, &fakeRegistry{}, okInvoker(""), Config{Model: "m"})

	outcome, events := runAndDrain(h, context.Background(), userMsg("hi"))

	require.Equal(t, StateCompleted, outcome.State)
	require.Nil(t, outcome.Err)
	require.NotNil(t, outcome.Assistant)
	require.Len(t, outcome.Assistant.Parts, 1)
	assert.Equal(t, "Hello, world", outcome.Assistant.Text())

	deltas := eventsOfType(events, domain.EventTokenDelta)
	require.Len(t, deltas, 3)
	assert.Equal(t, "Hello", deltas[0].Delta)

	completes := eventsOfType(events, domain.EventTurnComplete)
	require.Len(t, completes, 1, "exactly one terminal event")
	assert.Equal(t, domain.EventTurnComplete, events[len(events)-1].Type, "terminal event is last")

	// Seq is strictly increasing across the whole stream.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestReasoningStreamedSeparately(t *testing.T) {
	p := &scriptedProvider{rounds: []scriptRound{
		{chunks: []model.Chunk{
			{Type: model.ChunkReasoning, Text: "thinking..."},
			textChunk("answer"),
		}},
	}}
	h := newTestHandler(p, &fakeRegistry{}, okInvoker(""), Config{Model: "m"})

	outcome, events := runAndDrain(h, context.Background(), userMsg("hi"))

	require.Equal(t, StateCompleted, outcome.State)
	require.Len(t, eventsOfType(events, domain.EventReasoningDelta), 1)
	require.Len(t, eventsOfType(events, domain.EventTokenDelta), 1)

	// Reasoning is preserved as its own part, distinct from answer text.
	require.Len(t, outcome.Assistant.Parts, 2)
	assert.Equal(t, domain.PartTypeReasoning, outcome.Assistant.Parts[0].Type)
	assert.Equal(t, domain.PartTypeText, outcome.Assistant.Parts[1].Type)
	assert.Equal(t, "answer", outcome.Assistant.Text())
}

func TestSingleToolCallRoundTrip(t *testing.T) {
	p := &scriptedProvider{rounds: []scriptRound{
		{chunks: []model.Chunk{
			textChunk("Let me check. "),
			callChunk("call-1", "weather", `{"city":"Oslo"}`),
		}},
		{chunks: []model.Chunk{textChunk("It is sunny.")}},
	}}
	reg := &fakeRegistry{descs: []domain.ToolDescriptor{{Name: "weather"}}}
	inv := &fakeInvoker{fn: func(_ context.Context, _ domain.ToolDescriptor, args map[string]any) *domain.ToolResult {
		assert.Equal(t, "Oslo", args["city"])
		return &domain.ToolResult{Content: "sunny, 21C"}
	}}
	h := newTestHandler(p, reg, inv, Config{Model: "m"})

	outcome, events := runAndDrain(h, context.Background(), userMsg("weather in Oslo?"))

	require.Equal(t, StateCompleted, outcome.State)
	require.Len(t, outcome.ToolCalls, 1)
	assert.Equal(t, domain.ToolCallSucceeded, outcome.ToolCalls[0].Status)
	assert.Equal(t, "sunny, 21C", outcome.ToolCalls[0].Result)

	started := eventsOfType(events, domain.EventToolCallStarted)
	results := eventsOfType(events, domain.EventToolCallResult)
	require.Len(t, started, 1)
	require.Len(t, results, 1)
	assert.Less(t, started[0].Seq, results[0].Seq)

	// Assistant message interleaves the round in stream order.
	types := make([]string, len(outcome.Assistant.Parts))
	for i, part := range outcome.Assistant.Parts {
		types[i] = part.Type
	}
	assert.Equal(t, []string{
		domain.PartTypeText,
		domain.PartTypeToolCall,
		domain.PartTypeToolResult,
		domain.PartTypeText,
	}, types)

	// The second generation round saw the tool result in context.
	require.Equal(t, 2, p.streamCalls())
	resumed := p.seen[1]
	require.GreaterOrEqual(t, len(resumed), 3)
	last := resumed[len(resumed)-1]
	assert.Equal(t, domain.RoleTool, last.Role)
	require.Len(t, last.Content, 1)
	assert.Equal(t, "sunny, 21C", last.Content[0].ToolResult.Content)
}

func TestParallelToolCallsCompletionOrder(t *testing.T) {
	p := &scriptedProvider{rounds: []scriptRound{
		{chunks: []model.Chunk{
			callChunk("call-a", "slow", `{}`),
			callChunk("call-b", "medium", `{}`),
			callChunk("call-c", "fast", `{}`),
		}},
		{chunks: []model.Chunk{textChunk("done")}},
	}}
	reg := &fakeRegistry{descs: []domain.ToolDescriptor{{Name: "slow"}, {Name: "medium"}, {Name: "fast"}}}
	delay := map[string]time.Duration{"slow": 60 * time.Millisecond, "medium": 30 * time.Millisecond, "fast": 5 * time.Millisecond}
	inv := &fakeInvoker{fn: func(_ context.Context, desc domain.ToolDescriptor, _ map[string]any) *domain.ToolResult {
		time.Sleep(delay[desc.Name])
		return &domain.ToolResult{Content: desc.Name + " ok"}
	}}
	h := newTestHandler(p, reg, inv, Config{Model: "m"})

	outcome, events := runAndDrain(h, context.Background(), userMsg("go"))

	require.Equal(t, StateCompleted, outcome.State)
	require.Len(t, outcome.ToolCalls, 3)

	started := eventsOfType(events, domain.EventToolCallStarted)
	results := eventsOfType(events, domain.EventToolCallResult)
	require.Len(t, started, 3)
	require.Len(t, results, 3)

	// Results surface as each call finishes, not in request order.
	assert.Equal(t, "fast", results[0].ToolCall.Name)
	assert.Equal(t, "medium", results[1].ToolCall.Name)
	assert.Equal(t, "slow", results[2].ToolCall.Name)

	// Generation resumes only after every call has settled.
	lastResult := results[2]
	for _, ev := range eventsOfType(events, domain.EventTokenDelta) {
		assert.Greater(t, ev.Seq, lastResult.Seq)
	}
}

func TestToolTimeoutRecovered(t *testing.T) {
	p := &scriptedProvider{rounds: []scriptRound{
		{chunks: []model.Chunk{callChunk("call-1", "slow", `{}`)}},
		{chunks: []model.Chunk{textChunk("The tool timed out, sorry.")}},
	}}
	reg := &fakeRegistry{descs: []domain.ToolDescriptor{{Name: "slow"}}}
	inv := &fakeInvoker{fn: func(context.Context, domain.ToolDescriptor, map[string]any) *domain.ToolResult {
		return &domain.ToolResult{Content: "deadline exceeded", IsError: true, ErrorKind: domain.ErrToolTimeout}
	}}
	h := newTestHandler(p, reg, inv, Config{Model: "m"})

	outcome, events := runAndDrain(h, context.Background(), userMsg("go"))

	// A tool failure is recovered, not fatal: the turn still completes.
	require.Equal(t, StateCompleted, outcome.State)
	require.Len(t, outcome.ToolCalls, 1)
	assert.Equal(t, domain.ToolCallFailed, outcome.ToolCalls[0].Status)
	assert.Equal(t, domain.ErrToolTimeout, outcome.ToolCalls[0].ErrorKind)

	results := eventsOfType(events, domain.EventToolCallResult)
	require.Len(t, results, 1)
	assert.Equal(t, domain.ToolCallFailed, results[0].ToolCall.Status)

	// The failure was surfaced to the model as an error result.
	resumed := p.seen[1]
	last := resumed[len(resumed)-1]
	require.Equal(t, domain.RoleTool, last.Role)
	assert.True(t, last.Content[0].ToolResult.IsError)
}

func TestUnknownToolRecovered(t *testing.T) {
	p := &scriptedProvider{rounds: []scriptRound{
		{chunks: []model.Chunk{callChunk("call-1", "nonexistent", `{}`)}},
		{chunks: []model.Chunk{textChunk("no such tool")}},
	}}
	h := newTestHandler(p, &fakeRegistry{}, okInvoker(""), Config{Model: "m"})

	outcome, _ := runAndDrain(h, context.Background(), userMsg("go"))

	require.Equal(t, StateCompleted, outcome.State)
	require.Len(t, outcome.ToolCalls, 1)
	assert.Equal(t, domain.ToolCallFailed, outcome.ToolCalls[0].Status)
	assert.Equal(t, domain.ErrToolNotFound, outcome.ToolCalls[0].ErrorKind)
}

func TestRecoveredToolFailureKeepsStateMachine(t *testing.T) {
	// One call fails registry lookup, one fails argument decoding. Both are
	// recovered without the handler ever running an invocation, and the state
	// machine must still reach completed cleanly.
	p := &scriptedProvider{rounds: []scriptRound{
		{chunks: []model.Chunk{
			callChunk("call-1", "nonexistent", `{}`),
			callChunk("call-2", "mangled", `{not json`),
		}},
		{chunks: []model.Chunk{textChunk("recovered")}},
	}}
	reg := &fakeRegistry{descs: []domain.ToolDescriptor{{Name: "mangled"}}}

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	h := New(p, reg, okInvoker(""), Config{Model: "m"}, "turn-1", logger)

	outcome, _ := runAndDrain(h, context.Background(), userMsg("go"))

	require.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, StateCompleted, h.State())
	require.Len(t, outcome.ToolCalls, 2)
	for _, tc := range outcome.ToolCalls {
		assert.Equal(t, domain.ToolCallFailed, tc.Status)
	}
	assert.NotContains(t, logBuf.String(), "invalid turn state transition")
}

func TestBackendStreamError(t *testing.T) {
	p := &scriptedProvider{rounds: []scriptRound{
		{chunks: []model.Chunk{textChunk("partial ")}, err: fmt.Errorf("connection reset")},
	}}
	h := newTestHandler(p, &fakeRegistry{}, okInvoker(""), Config{Model: "m"})

	outcome, events := runAndDrain(h, context.Background(), userMsg("hi"))

	require.Equal(t, StateAborted, outcome.State)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, domain.ErrBackendConnectionLost, outcome.Err.Kind)

	// Partial content is retained for persistence.
	require.NotNil(t, outcome.Assistant)
	assert.Equal(t, "partial ", outcome.Assistant.Text())

	errs := eventsOfType(events, domain.EventTurnError)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.ErrBackendConnectionLost, errs[0].Error.Kind)
	require.Empty(t, eventsOfType(events, domain.EventTurnComplete))
}

func TestBackendOpenError(t *testing.T) {
	p := &scriptedProvider{rounds: []scriptRound{
		{openErr: fmt.Errorf("dial tcp: refused")},
	}}
	h := newTestHandler(p, &fakeRegistry{}, okInvoker(""), Config{Model: "m"})

	outcome, events := runAndDrain(h, context.Background(), userMsg("hi"))

	require.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, domain.ErrBackendConnectionLost, outcome.Err.Kind)
	assert.Nil(t, outcome.Assistant, "nothing produced, nothing to persist")
	require.Len(t, eventsOfType(events, domain.EventTurnError), 1)
}

func TestCancellationMidTool(t *testing.T) {
	p := &scriptedProvider{rounds: []scriptRound{
		{chunks: []model.Chunk{textChunk("checking "), callChunk("call-1", "slow", `{}`)}},
	}}
	reg := &fakeRegistry{descs: []domain.ToolDescriptor{{Name: "slow"}}}
	inv := &fakeInvoker{fn: func(ctx context.Context, _ domain.ToolDescriptor, _ map[string]any) *domain.ToolResult {
		<-ctx.Done()
		return &domain.ToolResult{Content: "canceled", IsError: true, ErrorKind: domain.ErrTurnCanceled}
	}}
	h := newTestHandler(p, reg, inv, Config{Model: "m"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	outcome, events := runAndDrain(h, ctx, userMsg("go"))

	require.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, domain.ErrTurnCanceled, outcome.Err.Kind)

	// The in-flight call settled before the turn ended.
	require.Len(t, outcome.ToolCalls, 1)
	assert.True(t, outcome.ToolCalls[0].Status.Terminal())

	// Partial output survives for the incomplete message.
	require.NotNil(t, outcome.Assistant)
	assert.Equal(t, "checking ", outcome.Assistant.Text())
	require.Len(t, eventsOfType(events, domain.EventTurnError), 1)
}

func TestProtocolErrorAborts(t *testing.T) {
	p := &scriptedProvider{rounds: []scriptRound{
		{chunks: []model.Chunk{{Type: "hologram", Text: "??"}}},
	}}
	h := newTestHandler(p, &fakeRegistry{}, okInvoker(""), Config{Model: "m"})

	outcome, _ := runAndDrain(h, context.Background(), userMsg("hi"))

	require.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, domain.ErrBackendProtocol, outcome.Err.Kind)
}

func TestMaxRoundsCap(t *testing.T) {
	// The model asks for a tool every round, forever.
	loop := scriptRound{chunks: []model.Chunk{callChunk("call-x", "echo", `{}`)}}
	p := &scriptedProvider{rounds: []scriptRound{loop, loop, loop, loop}}
	reg := &fakeRegistry{descs: []domain.ToolDescriptor{{Name: "echo"}}}
	h := newTestHandler(p, reg, okInvoker("echoed"), Config{Model: "m", MaxRounds: 2})

	outcome, events := runAndDrain(h, context.Background(), userMsg("go"))

	require.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, 2, p.streamCalls())
	assert.Len(t, outcome.ToolCalls, 2)
	require.Len(t, eventsOfType(events, domain.EventTurnComplete), 1)
}

func TestToolFailureDoesNotCancelSiblings(t *testing.T) {
	p := &scriptedProvider{rounds: []scriptRound{
		{chunks: []model.Chunk{
			callChunk("call-a", "broken", `{}`),
			callChunk("call-b", "fine", `{}`),
		}},
		{chunks: []model.Chunk{textChunk("done")}},
	}}
	reg := &fakeRegistry{descs: []domain.ToolDescriptor{{Name: "broken"}, {Name: "fine"}}}
	inv := &fakeInvoker{fn: func(_ context.Context, desc domain.ToolDescriptor, _ map[string]any) *domain.ToolResult {
		if desc.Name == "broken" {
			return &domain.ToolResult{Content: "boom", IsError: true, ErrorKind: domain.ErrToolRemoteFailure}
		}
		time.Sleep(30 * time.Millisecond)
		return &domain.ToolResult{Content: "fine ok"}
	}}
	h := newTestHandler(p, reg, inv, Config{Model: "m"})

	outcome, _ := runAndDrain(h, context.Background(), userMsg("go"))

	require.Equal(t, StateCompleted, outcome.State)
	require.Len(t, outcome.ToolCalls, 2)
	byName := map[string]domain.ToolCall{}
	for _, tc := range outcome.ToolCalls {
		byName[tc.Name] = tc
	}
	assert.Equal(t, domain.ToolCallFailed, byName["broken"].Status)
	assert.Equal(t, domain.ToolCallSucceeded, byName["fine"].Status)
	assert.Equal(t, "fine ok", byName["fine"].Result)
}
