package store

import (
	"context"
	"errors"

	"github.com/loomchat/loom/pkg/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore manages persisted conversations and their message history.
type ConversationStore interface {
	// CreateConversation persists a new conversation. The ID field must be set
	// by the caller.
	CreateConversation(ctx context.Context, c *domain.Conversation) error

	// GetConversation retrieves a conversation by its unique ID.
	// Returns ErrNotFound if it does not exist.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns all conversations, ordered by last update
	// descending.
	ListConversations(ctx context.Context) ([]domain.Conversation, error)

	// DeleteConversation removes a conversation and its messages.
	DeleteConversation(ctx context.Context, id string) error

	// Messages returns the conversation's committed messages in order.
	Messages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// AppendTurn atomically commits a completed turn's messages (the user
	// message and, when the model produced anything, the assistant message).
	// Idempotent per turn: re-committing a turn ID that is already persisted
	// is a no-op, so a retried commit never duplicates messages.
	AppendTurn(ctx context.Context, conversationID, turnID string, msgs []*domain.Message) error
}
