package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomchat/loom/pkg/domain"
)

// Invoker performs single tool invocations against connected tool servers.
// Exactly one network call per Invoke; no retries. Arguments are passed
// through opaque; schema validation is the tool server's responsibility.
type Invoker struct {
	manager *Manager
}

// NewInvoker creates an Invoker backed by the manager's connections.
func NewInvoker(m *Manager) *Invoker {
	return &Invoker{manager: m}
}

// Invoke calls the tool named by desc with the given arguments and deadline.
// Failures come back as a result with IsError set and a classified kind;
// the caller decides whether to feed them to the model or abort the turn.
func (i *Invoker) Invoke(ctx context.Context, desc domain.ToolDescriptor, args map[string]any, timeout time.Duration) *domain.ToolResult {
	client, ok := i.manager.clientFor(desc.ConnectionID)
	if !ok {
		return &domain.ToolResult{
			Content:   fmt.Sprintf("tool server connection %s is gone", desc.ConnectionID),
			IsError:   true,
			ErrorKind: domain.ErrToolNotFound,
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = desc.Name
	req.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := client.CallTool(callCtx, req)
	if err != nil {
		return classifyCallError(ctx, callCtx, desc.Name, err)
	}
	if result.IsError {
		return &domain.ToolResult{
			Content:   extractContent(result),
			IsError:   true,
			ErrorKind: domain.ErrToolRemoteFailure,
		}
	}
	return &domain.ToolResult{Content: extractContent(result)}
}

func classifyCallError(parent, callCtx context.Context, name string, err error) *domain.ToolResult {
	kind := domain.ErrToolRemoteFailure
	switch {
	case parent.Err() != nil:
		// The turn itself was cancelled; the invocation was best-effort
		// cancelled along with it.
		kind = domain.ErrTurnCanceled
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		kind = domain.ErrToolTimeout
	}
	return &domain.ToolResult{
		Content:   fmt.Sprintf("tool %s: %v", name, err),
		IsError:   true,
		ErrorKind: kind,
	}
}

// extractContent flattens an MCP tool result into text.
func extractContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}
