// Package gemini implements model.Provider using the Google Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/loomchat/loom/pkg/domain"
	"github.com/loomchat/loom/pkg/model"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// Stream opens a streaming generation request.
func (p *Provider) Stream(ctx context.Context, modelName, instructions string, messages []model.Message, tools []domain.ToolDescriptor) (model.ModelStream, error) {
	slog.Debug("Gemini.Stream", "model", modelName, "messageCount", len(messages), "toolCount", len(tools))

	var systemInstruction *genai.Content
	if instructions != "" {
		systemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		}
	}

	var contents []*genai.Content
	toolNameByCallID := make(map[string]string)

	for _, msg := range messages {
		if msg.Role == domain.RoleSystem {
			// System role is handled via instructions.
			continue
		}

		var parts []*genai.Part
		for _, c := range msg.Content {
			switch c.Type {
			case domain.PartTypeText:
				parts = append(parts, &genai.Part{Text: c.Text})
			case domain.PartTypeToolCall:
				if c.ToolCall != nil {
					toolNameByCallID[c.ToolCall.ID] = c.ToolCall.Name
					args, _ := c.ToolCall.InputMap()
					parts = append(parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{
							Name: c.ToolCall.Name,
							Args: args,
							ID:   c.ToolCall.ID,
						},
					})
				}
			case domain.PartTypeToolResult:
				if c.ToolResult != nil {
					parts = append(parts, &genai.Part{
						FunctionResponse: &genai.FunctionResponse{
							Name: toolNameByCallID[c.ToolResult.ToolCallID],
							ID:   c.ToolResult.ToolCallID,
							Response: map[string]any{
								"result": c.ToolResult.Content,
							},
						},
					})
				}
			}
		}

		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: parts,
			})
		}
	}

	config := &genai.GenerateContentConfig{
		Tools:             buildToolDeclarations(tools),
		SystemInstruction: systemInstruction,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(streamCtx, modelName, contents, config))

	return &geminiStream{
		next:   next,
		stop:   stop,
		cancel: cancel,
	}, nil
}

// buildToolDeclarations converts registry descriptors into function
// declarations. Tools are resolved by name at call time; nothing here is
// specific to any particular tool.
func buildToolDeclarations(tools []domain.ToolDescriptor) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaFromJSON(t.InputSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// schemaFromJSON converts a JSON-schema document (as advertised by a tool
// server) into the SDK's schema type. Unknown or unparsable schemas fall back
// to a bare object.
func schemaFromJSON(raw json.RawMessage) *genai.Schema {
	if len(raw) == 0 {
		return &genai.Schema{Type: genai.TypeObject}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	return schemaFromMap(doc)
}

func schemaFromMap(doc map[string]any) *genai.Schema {
	s := &genai.Schema{Type: genai.TypeObject}
	if t, ok := doc["type"].(string); ok {
		s.Type = genaiType(t)
	}
	if d, ok := doc["description"].(string); ok {
		s.Description = d
	}
	if props, ok := doc["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = schemaFromMap(pm)
			}
		}
	}
	if req, ok := doc["required"].([]any); ok {
		for _, r := range req {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := doc["items"].(map[string]any); ok {
		s.Items = schemaFromMap(items)
	}
	if enum, ok := doc["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

func genaiType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeObject
	}
}

// geminiStream adapts the SDK's streaming iterator to model.ModelStream.
type geminiStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	cancel  context.CancelFunc
	pending []model.Chunk
}

func (s *geminiStream) Recv() (model.Chunk, error) {
	for len(s.pending) == 0 {
		resp, err, ok := s.next()
		if !ok {
			return model.Chunk{}, io.EOF
		}
		if err != nil {
			return model.Chunk{}, err
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				s.pending = append(s.pending, partChunks(part)...)
			}
		}
	}

	chunk := s.pending[0]
	s.pending = s.pending[1:]
	return chunk, nil
}

func partChunks(part *genai.Part) []model.Chunk {
	var chunks []model.Chunk
	if part.Text != "" {
		kind := model.ChunkText
		if part.Thought {
			kind = model.ChunkReasoning
		}
		chunks = append(chunks, model.Chunk{Type: kind, Text: part.Text})
	}
	if part.FunctionCall != nil {
		fc := part.FunctionCall
		id := fc.ID
		if id == "" {
			id = "call-" + uuid.New().String()
		}
		args, _ := json.Marshal(fc.Args)
		chunks = append(chunks, model.Chunk{
			Type: model.ChunkToolCall,
			ToolCall: &domain.ToolCall{
				ID:        id,
				Name:      fc.Name,
				Arguments: args,
				Status:    domain.ToolCallPending,
			},
		})
	}
	return chunks
}

func (s *geminiStream) Close() error {
	s.stop()
	s.cancel()
	return nil
}
