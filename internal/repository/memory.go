package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// Memory keeps conversations in process memory; used when no database is configured and in tests.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
	byID          map[string]string // message id -> conversation id
}

// NewMemory bootstraps an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
		byID:          make(map[string]string),
	}
}

func (m *Memory) CreateConversation(_ context.Context, conv chat.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ID] = conv
	m.messages[conv.ID] = make([]chat.Message, 0, 16)
	return nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok || conv.Deleted() {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (m *Memory) ListConversations(_ context.Context, userID string) ([]chat.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]chat.Conversation, 0)
	for _, conv := range m.conversations {
		if conv.UserID == userID && !conv.Deleted() {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateConversation(_ context.Context, conv chat.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.conversations[conv.ID]
	if !ok || existing.Deleted() {
		return ErrConversationNotFound
	}
	m.conversations[conv.ID] = conv
	return nil
}

func (m *Memory) SoftDeleteConversation(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok || conv.Deleted() {
		return ErrConversationNotFound
	}
	conv.DeletedAt = &at
	m.conversations[id] = conv
	return nil
}

func (m *Memory) InsertMessage(_ context.Context, msg chat.Message) (chat.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok || conv.Deleted() {
		return chat.Message{}, false, ErrConversationNotFound
	}
	if msg.ClientMessageID != "" {
		for _, existing := range m.messages[msg.ConversationID] {
			if existing.ClientMessageID == msg.ClientMessageID {
				return existing, false, nil
			}
		}
	}

	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	m.byID[msg.ID] = msg.ConversationID

	at := msg.CreatedAt
	conv.MessageCount++
	conv.LastMessageAt = &at
	conv.UpdatedAt = at
	m.conversations[conv.ID] = conv
	return msg, true, nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	convID, ok := m.byID[id]
	if !ok {
		return chat.Message{}, ErrMessageNotFound
	}
	for _, msg := range m.messages[convID] {
		if msg.ID == id {
			return msg, nil
		}
	}
	return chat.Message{}, ErrMessageNotFound
}

func (m *Memory) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages, ok := m.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

func (m *Memory) SetPinned(_ context.Context, conversationID, messageID string, pinned bool, limit int) (chat.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID[messageID] != conversationID {
		return chat.Message{}, false, ErrMessageNotFound
	}

	msgs := m.messages[conversationID]
	idx, count := -1, 0
	for i := range msgs {
		if msgs[i].ID == messageID {
			idx = i
		}
		if msgs[i].Pinned {
			count++
		}
	}
	if idx < 0 {
		return chat.Message{}, false, ErrMessageNotFound
	}
	if msgs[idx].Pinned == pinned {
		return msgs[idx], false, nil
	}
	if pinned && limit > 0 && count >= limit {
		return chat.Message{}, false, ErrPinLimit
	}
	msgs[idx].Pinned = pinned
	return msgs[idx], true, nil
}
