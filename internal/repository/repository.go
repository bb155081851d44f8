package repository

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrPinLimit             = errors.New("pin limit reached")
)

// Repository is the persistence boundary for conversations and messages.
type Repository interface {
	CreateConversation(ctx context.Context, conv chat.Conversation) error
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error)
	UpdateConversation(ctx context.Context, conv chat.Conversation) error
	SoftDeleteConversation(ctx context.Context, id string, at time.Time) error

	// InsertMessage stores msg and bumps the conversation's activity counters.
	// If the conversation already holds a message with the same ClientMessageID
	// nothing is written and the stored message is returned with created=false.
	InsertMessage(ctx context.Context, msg chat.Message) (stored chat.Message, created bool, err error)
	GetMessage(ctx context.Context, id string) (chat.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	// SetPinned sets the pin flag of a message in conversationID. Pinning fails
	// with ErrPinLimit when limit messages are already pinned; the count and the
	// write are one atomic step. changed is false when the flag already matched.
	SetPinned(ctx context.Context, conversationID, messageID string, pinned bool, limit int) (msg chat.Message, changed bool, err error)
}
