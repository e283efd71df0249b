// Package model abstracts the generation backend.
package model

import (
	"context"

	"github.com/loomchat/loom/pkg/domain"
)

// Message represents a message in the model's conversation context.
type Message struct {
	// Role indicates the sender (user, assistant, tool, system).
	Role domain.Role
	// Content holds the message parts.
	Content []Content
}

// Content represents a single component of a message.
type Content struct {
	Type string // "text", "reasoning", "tool_call", "tool_result"

	// Text content (when Type is "text" or "reasoning").
	Text string

	// Tool call (when Type == "tool_call").
	ToolCall *domain.ToolCall

	// Tool result (when Type == "tool_result").
	ToolResult *domain.ToolResult
}

// Chunk kinds emitted by a ModelStream.
const (
	ChunkText      = "text"
	ChunkReasoning = "reasoning"
	ChunkToolCall  = "tool_call"
)

// Chunk is one incremental unit from the backend stream. Tool-call requests
// arrive as structured chunks, never as free text.
type Chunk struct {
	Type     string
	Text     string
	ToolCall *domain.ToolCall
}

// Provider represents a service that provides LLMs (e.g. Gemini).
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini").
	Name() string

	// Stream opens a generation request carrying the conversation context and
	// the tools currently available, and returns an incremental stream.
	// instructions is the system prompt; tools are declared dynamically from
	// descriptors; the provider never enumerates tool types at compile time.
	Stream(ctx context.Context, modelName, instructions string, messages []Message, tools []domain.ToolDescriptor) (ModelStream, error)
}

// ModelStream is a live token/event stream from the backend.
type ModelStream interface {
	// Recv returns the next incremental unit. It returns io.EOF when the
	// backend signals end-of-turn, and a backend error otherwise.
	Recv() (Chunk, error)

	// Close releases resources associated with this stream.
	Close() error
}
