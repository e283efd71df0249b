package domain

// Role defines the sender of a message.
type Role string

const (
	// RoleUser indicates a message from the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model/assistant.
	RoleAssistant Role = "assistant"
	// RoleTool indicates a message carrying tool results.
	RoleTool Role = "tool"
	// RoleSystem indicates a system-level message.
	RoleSystem Role = "system"
)

// Message part types.
const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeToolCall   = "tool_call"
	PartTypeToolResult = "tool_result"
)
