package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Conversation is an ordered, append-only sequence of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single entry in a conversation. Messages are immutable once
// committed; the in-progress assistant message is owned by the turn handler
// for the current turn.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id"`
	Role           Role      `json:"role"`
	Parts          []Part    `json:"parts"`
	Seq            int       `json:"seq"`
	// Incomplete marks a message persisted from an aborted turn.
	Incomplete bool      `json:"incomplete,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Part is a single component of a message.
type Part struct {
	Type string `json:"type"` // "text", "reasoning", "tool_call", "tool_result"

	// Text content (when Type is "text" or "reasoning").
	Text string `json:"text,omitempty"`

	// Tool call (when Type == "tool_call").
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Tool result (when Type == "tool_result").
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Text returns the concatenated text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			out += p.Text
		}
	}
	return out
}

// ToolCallStatus is the lifecycle status of a tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallSucceeded ToolCallStatus = "succeeded"
	ToolCallFailed    ToolCallStatus = "failed"
)

// statusRank orders statuses for monotonicity checks.
var statusRank = map[ToolCallStatus]int{
	ToolCallPending:   0,
	ToolCallRunning:   1,
	ToolCallSucceeded: 2,
	ToolCallFailed:    2,
}

// Terminal reports whether the status is succeeded or failed.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallSucceeded || s == ToolCallFailed
}

// ToolCall records one tool invocation requested by the model during a turn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Status    ToolCallStatus  `json:"status"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	StartedAt time.Time       `json:"started_at,omitzero"`
	EndedAt   time.Time       `json:"ended_at,omitzero"`
}

// Advance moves the tool call to a new status. Transitions are monotonic:
// a terminal call never moves again, and a call never moves backwards.
func (tc *ToolCall) Advance(next ToolCallStatus) error {
	if tc.Status.Terminal() {
		return fmt.Errorf("tool call %s is already %s", tc.ID, tc.Status)
	}
	if statusRank[next] <= statusRank[tc.Status] {
		return fmt.Errorf("tool call %s: invalid transition %s -> %s", tc.ID, tc.Status, next)
	}
	tc.Status = next
	return nil
}

// InputMap decodes the serialized arguments into a map. Arguments are opaque
// structured data; they are not validated against the tool schema here.
func (tc *ToolCall) InputMap() (map[string]any, error) {
	if len(tc.Arguments) == 0 || string(tc.Arguments) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(tc.Arguments, &m); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	return m, nil
}

// ToolResult is the outcome of a tool call execution.
type ToolResult struct {
	ToolCallID string    `json:"tool_call_id"`
	Content    string    `json:"content"`
	IsError    bool      `json:"is_error"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
}

// ToolDescriptor is the advertised shape of one tool as known to the registry.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	ConnectionID string          `json:"connection_id"`
}

// ToolServerConnection describes one connected tool server.
type ToolServerConnection struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Connected bool      `json:"connected"`
	ToolCount int       `json:"tool_count"`
	CreatedAt time.Time `json:"created_at"`
}
