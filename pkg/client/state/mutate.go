package state

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	"github.com/zhouzirui/z-chat/backend/pkg/client/bus"
	"github.com/zhouzirui/z-chat/backend/pkg/client/delivery"
)

// MaxPinnedMessages mirrors the server-side cap so an 11th pin is refused locally.
const MaxPinnedMessages = 10

// Committer 把本地变更提交到服务端，由 api.Client 实现。
type Committer interface {
	RenameConversation(ctx context.Context, conversationID, title string) (chat.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	PinMessage(ctx context.Context, conversationID, messageID string) (chat.Message, error)
	UnpinMessage(ctx context.Context, conversationID, messageID string) (chat.Message, error)
}

// Op 是一次乐观变更的种类。
type Op string

const (
	OpRename Op = "rename"
	OpDelete Op = "delete"
	OpPin    Op = "pin"
	OpUnpin  Op = "unpin"
)

// LocalChange is published on bus.TopicStateLocal right after a mutation was applied
// locally and before the server has confirmed it.
type LocalChange struct {
	Op             Op
	ConversationID string
	MessageID      string
}

var ErrUnknown = errors.New("state: unknown conversation or message")

// Rename 乐观地重命名会话，服务端拒绝时回滚。
func (s *State) Rename(ctx context.Context, api Committer, conversationID, title string) error {
	s.mu.Lock()
	prev, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknown
	}
	next := prev
	next.Title = title
	s.conversations[conversationID] = next
	s.mu.Unlock()
	s.local(LocalChange{Op: OpRename, ConversationID: conversationID})

	conv, err := api.RenameConversation(ctx, conversationID, title)
	if err != nil {
		s.mu.Lock()
		if cur, ok := s.conversations[conversationID]; ok && cur.Title == title {
			cur.Title = prev.Title
			s.conversations[conversationID] = cur
		}
		s.mu.Unlock()
		return s.rollback(Change{Type: event.ConversationUpdated, ConversationID: conversationID}, err)
	}

	s.mu.Lock()
	if cur, ok := s.conversations[conversationID]; ok {
		cur.Title = conv.Title
		if conv.UpdatedAt.After(cur.UpdatedAt) {
			cur.UpdatedAt = conv.UpdatedAt
		}
		s.conversations[conversationID] = cur
	}
	s.mu.Unlock()
	s.changed(Change{Type: event.ConversationUpdated, ConversationID: conversationID})
	return nil
}

// Delete 乐观地删除会话及其消息，失败时恢复。
func (s *State) Delete(ctx context.Context, api Committer, conversationID string) error {
	s.mu.Lock()
	prev, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknown
	}
	prevMsgs := s.messages[conversationID]
	s.mu.Unlock()

	s.removeConversation(conversationID)
	s.local(LocalChange{Op: OpDelete, ConversationID: conversationID})

	if err := api.DeleteConversation(ctx, conversationID); err != nil {
		s.mu.Lock()
		s.conversations[conversationID] = prev
		if prevMsgs != nil {
			s.messages[conversationID] = prevMsgs
			for _, m := range prevMsgs {
				if m.ClientMessageID != "" {
					s.clientIDs[m.ClientMessageID] = m.ID
				}
			}
		}
		s.mu.Unlock()
		return s.rollback(Change{Type: event.ConversationCreated, ConversationID: conversationID}, err)
	}
	s.changed(Change{Type: event.ConversationDeleted, ConversationID: conversationID})
	return nil
}

// Pin 乐观置顶；超过上限时在本地直接拒绝，不发请求。
func (s *State) Pin(ctx context.Context, api Committer, conversationID, messageID string) error {
	return s.togglePin(ctx, api, conversationID, messageID, true)
}

// Unpin 乐观取消置顶
func (s *State) Unpin(ctx context.Context, api Committer, conversationID, messageID string) error {
	return s.togglePin(ctx, api, conversationID, messageID, false)
}

func (s *State) togglePin(ctx context.Context, api Committer, conversationID, messageID string, pinned bool) error {
	s.mu.Lock()
	msg, ok := s.messages[conversationID][messageID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknown
	}
	if msg.Pinned == pinned {
		s.mu.Unlock()
		return nil
	}
	if pinned && s.pinnedCountLocked(conversationID) >= MaxPinnedMessages {
		s.mu.Unlock()
		return &delivery.Error{
			Kind:           delivery.KindValidationRejected,
			ConversationID: conversationID,
			MessageID:      messageID,
			Err:            fmt.Errorf("at most %d pinned messages per conversation", MaxPinnedMessages),
		}
	}
	msg.Pinned = pinned
	s.messages[conversationID][messageID] = msg
	s.mu.Unlock()

	op, typ := OpPin, event.MessagePinned
	call := api.PinMessage
	if !pinned {
		op, typ, call = OpUnpin, event.MessageUnpinned, api.UnpinMessage
	}
	s.local(LocalChange{Op: op, ConversationID: conversationID, MessageID: messageID})

	confirmed, err := call(ctx, conversationID, messageID)
	if err != nil {
		s.setPinned(conversationID, messageID, !pinned)
		return s.rollback(Change{Type: typ, ConversationID: conversationID, MessageID: messageID}, err)
	}
	s.setPinned(conversationID, messageID, confirmed.Pinned)
	s.changed(Change{Type: typ, ConversationID: conversationID, MessageID: messageID})
	return nil
}

func (s *State) pinnedCountLocked(conversationID string) int {
	n := 0
	for _, m := range s.messages[conversationID] {
		if m.Pinned {
			n++
		}
	}
	return n
}

func (s *State) local(c LocalChange) {
	if s.bus != nil {
		s.bus.Publish(bus.TopicStateLocal, c)
	}
}

func (s *State) rollback(c Change, cause error) error {
	c.RolledBack = true
	log.Printf("[state] rolled back %s on %s: %v", c.Type, c.ConversationID, cause)
	s.changed(c)
	return cause
}
