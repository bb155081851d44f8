package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/zhouzirui/z-chat/backend/internal/cache"
	"github.com/zhouzirui/z-chat/backend/internal/metrics"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	"github.com/zhouzirui/z-chat/backend/internal/repository"
)

// MaxPinnedMessages caps pinned messages per conversation.
const MaxPinnedMessages = 10

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrForbidden            = errors.New("conversation belongs to another user")
	ErrPinLimitExceeded     = fmt.Errorf("no more than %d pinned messages per conversation", MaxPinnedMessages)
	ErrInvalidInput         = errors.New("invalid input")
	ErrAIUnavailable        = errors.New("ai generation unavailable")
)

// Generator produces the assistant reply for a turn.
type Generator interface {
	StreamCompletion(ctx context.Context, conversationID string, history []chat.Message, content string) (*schema.StreamReader[*schema.Message], error)
}

// Publisher fans mutation events out to the user's other sessions.
type Publisher interface {
	BroadcastToUser(ctx context.Context, userID string, t event.Type, payload any, excludeSessionID string) int
	BroadcastToRoom(ctx context.Context, conversationID string, t event.Type, payload any, excludeSessionID string) int
	CloseRoom(conversationID string)
}

// Origin identifies the user and transport session a mutation came from.
type Origin struct {
	UserID    string
	SessionID string
}

// Options tune the service.
type Options struct {
	MessagesTTL time.Duration
	Now         func() time.Time
}

// Service encapsulates conversation state management and mutation broadcasting.
type Service struct {
	repo  repository.Repository
	cache cache.Cache
	pub   Publisher
	ai    Generator
	ttl   time.Duration
	now   func() time.Time
}

// NewService wires the service. ai may be nil when generation is not configured.
func NewService(repo repository.Repository, c cache.Cache, pub Publisher, ai Generator, opts Options) *Service {
	if opts.MessagesTTL <= 0 {
		opts.MessagesTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{repo: repo, cache: c, pub: pub, ai: ai, ttl: opts.MessagesTTL, now: opts.Now}
}

// AIEnabled reports whether turns can be generated.
func (s *Service) AIEnabled() bool {
	return s.ai != nil
}

// CreateConversation provisions a conversation owned by origin.UserID.
func (s *Service) CreateConversation(ctx context.Context, origin Origin, title string) (chat.Conversation, error) {
	if origin.UserID == "" {
		return chat.Conversation{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	now := s.now()
	conv := chat.Conversation{
		ID:        uuid.NewString(),
		UserID:    origin.UserID,
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	s.pub.BroadcastToUser(ctx, origin.UserID, event.ConversationCreated, conv, origin.SessionID)
	return conv, nil
}

// ListConversations returns the user's live conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	return s.repo.ListConversations(ctx, userID)
}

// GetConversation retrieves a conversation owned by userID.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (chat.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if errors.Is(err, repository.ErrConversationNotFound) {
		return chat.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	if !conv.OwnedBy(userID) {
		return chat.Conversation{}, ErrForbidden
	}
	return conv, nil
}

// RenameConversation updates the title and broadcasts only the changed fields.
func (s *Service) RenameConversation(ctx context.Context, origin Origin, conversationID, title string) (chat.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return chat.Conversation{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}

	conv, err := s.GetConversation(ctx, origin.UserID, conversationID)
	if err != nil {
		return chat.Conversation{}, err
	}
	if conv.Title == title {
		return conv, nil
	}

	conv.Title = title
	conv.UpdatedAt = s.now()
	if err := s.repo.UpdateConversation(ctx, conv); err != nil {
		return chat.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}

	s.pub.BroadcastToUser(ctx, origin.UserID, event.ConversationUpdated, event.ConversationPatch{
		ID:        conv.ID,
		Title:     &conv.Title,
		UpdatedAt: &conv.UpdatedAt,
	}, origin.SessionID)
	return conv, nil
}

// DeleteConversation soft-deletes the conversation.
func (s *Service) DeleteConversation(ctx context.Context, origin Origin, conversationID string) error {
	if _, err := s.GetConversation(ctx, origin.UserID, conversationID); err != nil {
		return err
	}
	if err := s.repo.SoftDeleteConversation(ctx, conversationID, s.now()); err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("delete conversation: %w", err)
	}

	s.invalidate(ctx, conversationID)
	s.pub.BroadcastToUser(ctx, origin.UserID, event.ConversationDeleted, event.ConversationRef{ID: conversationID}, origin.SessionID)
	s.pub.CloseRoom(conversationID)
	return nil
}

// ListMessages reads the conversation's messages through the cache.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID string) ([]chat.Message, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return cache.GetOrComputeJSON(ctx, s.cache, cache.MessagesKey(conversationID), s.ttl, func(ctx context.Context) ([]chat.Message, error) {
		return s.repo.ListMessages(ctx, conversationID)
	})
}

// SubmitMessage persists a user message with its attachments. A resubmission carrying
// a known clientMessageID returns the stored message with created=false and emits nothing.
func (s *Service) SubmitMessage(ctx context.Context, origin Origin, conversationID, content, clientMessageID string, attachments ...chat.Attachment) (msg chat.Message, created bool, err error) {
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, false, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if _, err := s.GetConversation(ctx, origin.UserID, conversationID); err != nil {
		return chat.Message{}, false, err
	}

	msg = chat.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		ClientMessageID: clientMessageID,
		Role:            chat.RoleUser,
		Content:         content,
		Attachments:     attachments,
		CreatedAt:       s.now(),
	}
	msg, created, err = s.repo.InsertMessage(ctx, msg)
	if err != nil {
		metrics.MessagesSubmitted.WithLabelValues("error").Inc()
		if errors.Is(err, repository.ErrConversationNotFound) {
			return chat.Message{}, false, ErrConversationNotFound
		}
		return chat.Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	if !created {
		metrics.MessagesSubmitted.WithLabelValues("duplicate").Inc()
		return msg, false, nil
	}
	metrics.MessagesSubmitted.WithLabelValues("created").Inc()

	s.afterInsert(ctx, origin, msg)
	return msg, true, nil
}

// TurnSink receives incremental assistant text for the originating session.
type TurnSink interface {
	Chunk(text string)
}

// RunTurn generates and persists the assistant reply to userMsg. Chunks go to sink;
// the other sessions in the room see typing events and the final message.
func (s *Service) RunTurn(ctx context.Context, origin Origin, userMsg chat.Message, sink TurnSink) (event.Done, error) {
	if s.ai == nil {
		return event.Done{}, ErrAIUnavailable
	}
	convID := userMsg.ConversationID
	typing := event.Typing{ConversationID: convID, Actor: string(chat.RoleAssistant)}

	s.pub.BroadcastToRoom(ctx, convID, event.AITypingStart, typing, origin.SessionID)
	defer s.pub.BroadcastToRoom(ctx, convID, event.AITypingStop, typing, origin.SessionID)

	history, err := s.repo.ListMessages(ctx, convID)
	if err != nil {
		return event.Done{}, fmt.Errorf("load history: %w", err)
	}
	history = historyBefore(history, userMsg.ID)

	stream, err := s.ai.StreamCompletion(ctx, convID, history, userMsg.Content)
	if err != nil {
		return event.Done{}, err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return event.Done{}, fmt.Errorf("ai stream recv failed: %w", recvErr)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" && sink != nil {
			sink.Chunk(chunk.Content)
		}
	}

	content := ""
	if len(chunks) > 0 {
		merged, err := schema.ConcatMessages(chunks)
		if err != nil {
			return event.Done{}, fmt.Errorf("concat ai chunks failed: %w", err)
		}
		content = merged.Content
	}

	assistant := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           chat.RoleAssistant,
		Content:        content,
		CreatedAt:      s.now(),
	}
	if _, _, err := s.repo.InsertMessage(ctx, assistant); err != nil {
		return event.Done{}, fmt.Errorf("save assistant message: %w", err)
	}
	s.afterInsert(ctx, origin, assistant)

	conv, err := s.repo.GetConversation(ctx, convID)
	if err != nil {
		log.Printf("[chat] reload conversation=%s after turn failed: %v", convID, err)
	}

	log.Printf("[chat] completed turn for conversation=%s, length=%d", convID, len(content))
	return event.Done{UserMessage: userMsg, AssistantMessage: assistant, Conversation: conv}, nil
}

// PinMessage pins a message. Pinning a pinned message is a successful no-op.
func (s *Service) PinMessage(ctx context.Context, origin Origin, conversationID, messageID string) (chat.Message, error) {
	return s.setPinned(ctx, origin, conversationID, messageID, true)
}

// UnpinMessage unpins a message. Unpinning an unpinned message is a successful no-op.
func (s *Service) UnpinMessage(ctx context.Context, origin Origin, conversationID, messageID string) (chat.Message, error) {
	return s.setPinned(ctx, origin, conversationID, messageID, false)
}

func (s *Service) setPinned(ctx context.Context, origin Origin, conversationID, messageID string, pinned bool) (chat.Message, error) {
	if _, err := s.GetConversation(ctx, origin.UserID, conversationID); err != nil {
		return chat.Message{}, err
	}

	msg, changed, err := s.repo.SetPinned(ctx, conversationID, messageID, pinned, MaxPinnedMessages)
	switch {
	case errors.Is(err, repository.ErrMessageNotFound):
		return chat.Message{}, ErrMessageNotFound
	case errors.Is(err, repository.ErrConversationNotFound):
		return chat.Message{}, ErrConversationNotFound
	case errors.Is(err, repository.ErrPinLimit):
		return chat.Message{}, ErrPinLimitExceeded
	case err != nil:
		return chat.Message{}, fmt.Errorf("set pinned: %w", err)
	}
	if !changed {
		return msg, nil
	}

	// 失效需在响应返回前发出，随后任意会话的读取都能看到变更
	s.invalidate(ctx, conversationID)

	t := event.MessageUnpinned
	if pinned {
		t = event.MessagePinned
	}
	s.pub.BroadcastToRoom(ctx, conversationID, t, event.PinChange{
		ConversationID: conversationID,
		MessageID:      messageID,
		Pinned:         pinned,
	}, origin.SessionID)
	return msg, nil
}

func (s *Service) afterInsert(ctx context.Context, origin Origin, msg chat.Message) {
	s.invalidate(ctx, msg.ConversationID)

	s.pub.BroadcastToRoom(ctx, msg.ConversationID, event.MessageNew, msg, origin.SessionID)

	conv, err := s.repo.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		log.Printf("[chat] load conversation=%s for activity failed: %v", msg.ConversationID, err)
		return
	}
	s.pub.BroadcastToUser(ctx, origin.UserID, event.ConversationActivity, event.Activity{
		ConversationID: conv.ID,
		MessageCount:   conv.MessageCount,
		LastMessageAt:  msg.CreatedAt,
	}, origin.SessionID)
}

// invalidate fails open: staleness is bounded by the cache TTL.
func (s *Service) invalidate(ctx context.Context, conversationID string) {
	if err := s.cache.Invalidate(ctx, cache.ConversationPattern(conversationID)); err != nil {
		metrics.CacheInvalidationFailures.Inc()
		log.Printf("[chat] cache invalidation for conversation=%s failed: %v", conversationID, err)
	}
}

func historyBefore(messages []chat.Message, messageID string) []chat.Message {
	for i, m := range messages {
		if m.ID == messageID {
			return messages[:i]
		}
	}
	return messages
}

// Code maps a service error onto the error code carried by error frames.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrMessageNotFound):
		return event.CodeNotFound
	case errors.Is(err, ErrForbidden):
		return event.CodeUnauthorized
	case errors.Is(err, ErrPinLimitExceeded), errors.Is(err, ErrInvalidInput):
		return event.CodeValidation
	default:
		return event.CodeInternal
	}
}
