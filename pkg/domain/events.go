package domain

// EventType tags one StreamEvent in the per-turn event sequence.
type EventType string

const (
	// EventTokenDelta carries an incremental chunk of assistant text.
	EventTokenDelta EventType = "token_delta"
	// EventReasoningDelta carries an incremental chunk of model reasoning.
	EventReasoningDelta EventType = "reasoning_delta"
	// EventToolCallStarted signals that a tool call was detected in the stream.
	EventToolCallStarted EventType = "tool_call_started"
	// EventToolCallResult signals that a tool call reached a terminal state.
	EventToolCallResult EventType = "tool_call_result"
	// EventTurnComplete carries the finished assistant message. Final event of
	// a successful turn.
	EventTurnComplete EventType = "turn_complete"
	// EventTurnError carries a classified error. Final event of a failed turn.
	EventTurnError EventType = "turn_error"
)

// StreamEvent is one unit of the ordered event sequence delivered to the
// client during a turn. Within one turn, events form a single total order;
// the client reconstructs the final assistant message by folding deltas in
// arrival order.
type StreamEvent struct {
	Type   EventType `json:"type"`
	TurnID string    `json:"turn_id"`
	Seq    int       `json:"seq"`

	// Delta text (token_delta, reasoning_delta).
	Delta string `json:"delta,omitempty"`

	// Tool call snapshot (tool_call_started, tool_call_result).
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Finished assistant message (turn_complete).
	Message *Message `json:"message,omitempty"`

	// Classified error (turn_error).
	Error *TurnError `json:"error,omitempty"`
}
