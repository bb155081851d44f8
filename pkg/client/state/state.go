// Package state 维护客户端的会话与消息视图，幂等地合并服务端广播。
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	"github.com/zhouzirui/z-chat/backend/pkg/client/bus"
	"github.com/zhouzirui/z-chat/backend/pkg/client/delivery"
	"github.com/zhouzirui/z-chat/backend/pkg/client/transport"
)

// Confirmer 退役与服务端消息对应的待发送消息，由 delivery.Orchestrator 实现。
type Confirmer interface {
	Confirm(clientMessageID string, confirmed chat.Message) bool
}

// PendingLister 读取会话中的待发送消息。
type PendingLister interface {
	ListPending(conversationID string) ([]chat.PendingMessage, error)
}

// Change is published on bus.TopicStateChanged after the view changed.
type Change struct {
	Type           event.Type
	ConversationID string
	MessageID      string
	RolledBack     bool
}

// State 是单个客户端实例的内存视图。
type State struct {
	bus       *bus.Bus
	confirmer Confirmer
	pending   PendingLister

	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	messages      map[string]map[string]chat.Message // conversation → message id → message
	clientIDs     map[string]string                  // client message id → message id
	typing        map[string]map[string]bool         // conversation → actor
}

// New 创建视图；confirmer 与 pending 可以为空。
func New(b *bus.Bus, confirmer Confirmer, pending PendingLister) *State {
	return &State{
		bus:           b,
		confirmer:     confirmer,
		pending:       pending,
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string]map[string]chat.Message),
		clientIDs:     make(map[string]string),
		typing:        make(map[string]map[string]bool),
	}
}

// Attach 订阅传输层帧与投递结果，返回取消订阅的函数。
func (s *State) Attach() func() {
	unsubs := []func(){
		s.bus.Subscribe(bus.TopicTransportFrame, func(p any) {
			env, ok := p.(event.Envelope)
			if !ok || !event.IsBroadcast(env.Type) {
				return
			}
			if err := s.Apply(env); err != nil {
				log.Printf("[state] apply %s failed: %v", env.Type, err)
			}
		}),
		s.bus.Subscribe(transport.FrameTopic(event.FrameDone), func(p any) {
			env, ok := p.(event.Envelope)
			if !ok {
				return
			}
			done, err := transport.Decode[event.Done](env)
			if err != nil {
				log.Printf("[state] bad done frame: %v", err)
				return
			}
			s.ApplyDone(done)
		}),
		s.bus.Subscribe(bus.TopicDeliverySent, func(p any) {
			if sent, ok := p.(delivery.Sent); ok {
				s.addMessage(sent.Confirmed, false)
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Load 用 REST 拉取的快照替换会话列表。
func (s *State) Load(convs []chat.Conversation) {
	s.mu.Lock()
	s.conversations = make(map[string]chat.Conversation, len(convs))
	for _, c := range convs {
		s.conversations[c.ID] = c
	}
	s.mu.Unlock()
	s.changed(Change{Type: event.ConversationUpdated})
}

// LoadMessages 用快照替换某个会话的消息。
func (s *State) LoadMessages(conversationID string, msgs []chat.Message) {
	s.mu.Lock()
	for _, m := range s.messages[conversationID] {
		delete(s.clientIDs, m.ClientMessageID)
	}
	byID := make(map[string]chat.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		if m.ClientMessageID != "" {
			s.clientIDs[m.ClientMessageID] = m.ID
		}
	}
	s.messages[conversationID] = byID
	s.mu.Unlock()
	s.changed(Change{Type: event.MessageNew, ConversationID: conversationID})
}

// Apply 合并一条广播；重复收到同一事件不会改变结果。
func (s *State) Apply(env event.Envelope) error {
	switch env.Type {
	case event.ConversationCreated:
		var conv chat.Conversation
		if err := decode(env, &conv); err != nil {
			return err
		}
		s.mu.Lock()
		_, exists := s.conversations[conv.ID]
		if !exists {
			s.conversations[conv.ID] = conv
		}
		s.mu.Unlock()
		if !exists {
			s.changed(Change{Type: env.Type, ConversationID: conv.ID})
		}

	case event.ConversationUpdated:
		var patch event.ConversationPatch
		if err := decode(env, &patch); err != nil {
			return err
		}
		s.mu.Lock()
		conv, ok := s.conversations[patch.ID]
		if ok {
			if patch.Title != nil {
				conv.Title = *patch.Title
			}
			if patch.UpdatedAt != nil && patch.UpdatedAt.After(conv.UpdatedAt) {
				conv.UpdatedAt = *patch.UpdatedAt
			}
			s.conversations[patch.ID] = conv
		}
		s.mu.Unlock()
		if ok {
			s.changed(Change{Type: env.Type, ConversationID: patch.ID})
		}

	case event.ConversationDeleted:
		var ref event.ConversationRef
		if err := decode(env, &ref); err != nil {
			return err
		}
		if s.removeConversation(ref.ID) {
			s.changed(Change{Type: env.Type, ConversationID: ref.ID})
		}

	case event.ConversationActivity:
		var act event.Activity
		if err := decode(env, &act); err != nil {
			return err
		}
		s.mu.Lock()
		conv, ok := s.conversations[act.ConversationID]
		if ok {
			bumpActivity(&conv, act.MessageCount, act.LastMessageAt)
			s.conversations[act.ConversationID] = conv
		}
		s.mu.Unlock()
		if ok {
			s.changed(Change{Type: env.Type, ConversationID: act.ConversationID})
		}

	case event.MessageNew:
		var msg chat.Message
		if err := decode(env, &msg); err != nil {
			return err
		}
		s.addMessage(msg, true)

	case event.MessagePinned, event.MessageUnpinned:
		var pc event.PinChange
		if err := decode(env, &pc); err != nil {
			return err
		}
		if s.setPinned(pc.ConversationID, pc.MessageID, env.Type == event.MessagePinned) {
			s.changed(Change{Type: env.Type, ConversationID: pc.ConversationID, MessageID: pc.MessageID})
		}

	case event.AITypingStart, event.AITypingStop:
		var ty event.Typing
		if err := decode(env, &ty); err != nil {
			return err
		}
		on := env.Type == event.AITypingStart
		s.mu.Lock()
		actors := s.typing[ty.ConversationID]
		if actors == nil {
			actors = make(map[string]bool)
			s.typing[ty.ConversationID] = actors
		}
		was := actors[ty.Actor]
		if on {
			actors[ty.Actor] = true
		} else {
			delete(actors, ty.Actor)
		}
		s.mu.Unlock()
		if was != on {
			s.changed(Change{Type: env.Type, ConversationID: ty.ConversationID})
		}

	default:
		return fmt.Errorf("unknown broadcast type %q", env.Type)
	}
	return nil
}

// ApplyDone 合并本会话流式轮次结束时返回的用户消息、助手消息与会话摘要。
func (s *State) ApplyDone(done event.Done) {
	if done.UserMessage.ID != "" {
		s.addMessage(done.UserMessage, true)
	}
	if done.AssistantMessage.ID != "" {
		s.addMessage(done.AssistantMessage, false)
	}
	if done.Conversation.ID == "" {
		return
	}
	s.mu.Lock()
	conv, ok := s.conversations[done.Conversation.ID]
	if ok {
		if done.Conversation.LastMessageAt != nil {
			bumpActivity(&conv, done.Conversation.MessageCount, *done.Conversation.LastMessageAt)
		}
	} else {
		conv = done.Conversation
	}
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	s.changed(Change{Type: event.ConversationActivity, ConversationID: conv.ID})
}

// addMessage 按服务端 id 与客户端 id 双重去重；confirm 为 true 时同时退役对应的待发送消息。
func (s *State) addMessage(msg chat.Message, confirm bool) {
	s.mu.Lock()
	byID := s.messages[msg.ConversationID]
	if byID == nil {
		byID = make(map[string]chat.Message)
		s.messages[msg.ConversationID] = byID
	}
	_, dup := byID[msg.ID]
	if !dup && msg.ClientMessageID != "" {
		_, dup = s.clientIDs[msg.ClientMessageID]
	}
	if !dup {
		byID[msg.ID] = msg
		if msg.ClientMessageID != "" {
			s.clientIDs[msg.ClientMessageID] = msg.ID
		}
	}
	s.mu.Unlock()

	if confirm && msg.ClientMessageID != "" && s.confirmer != nil {
		s.confirmer.Confirm(msg.ClientMessageID, msg)
	}
	if !dup {
		s.changed(Change{Type: event.MessageNew, ConversationID: msg.ConversationID, MessageID: msg.ID})
	}
}

func (s *State) setPinned(conversationID, messageID string, pinned bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[conversationID][messageID]
	if !ok || msg.Pinned == pinned {
		return false
	}
	msg.Pinned = pinned
	s.messages[conversationID][messageID] = msg
	return true
}

func (s *State) removeConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[id]
	for _, m := range s.messages[id] {
		delete(s.clientIDs, m.ClientMessageID)
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.typing, id)
	return ok
}

func bumpActivity(conv *chat.Conversation, count int, at time.Time) {
	if conv.LastMessageAt != nil && at.Before(*conv.LastMessageAt) {
		return
	}
	if count > conv.MessageCount {
		conv.MessageCount = count
	}
	t := at
	conv.LastMessageAt = &t
}

func (s *State) changed(c Change) {
	if s.bus != nil {
		s.bus.Publish(bus.TopicStateChanged, c)
	}
}

// Conversation 返回单个会话
func (s *State) Conversation(id string) (chat.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Conversations 按最近活跃时间倒序返回会话。
func (s *State) Conversations() []chat.Conversation {
	s.mu.RLock()
	out := make([]chat.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ai, aj := activityOf(out[i]), activityOf(out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func activityOf(c chat.Conversation) time.Time {
	if c.LastMessageAt != nil && c.LastMessageAt.After(c.UpdatedAt) {
		return *c.LastMessageAt
	}
	return c.UpdatedAt
}

// Messages 按创建时间返回已确认的消息。
func (s *State) Messages(conversationID string) []chat.Message {
	s.mu.RLock()
	out := make([]chat.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		out = append(out, m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Typing 返回会话中正在输入的参与方
func (s *State) Typing(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.typing[conversationID]))
	for actor := range s.typing[conversationID] {
		out = append(out, actor)
	}
	sort.Strings(out)
	return out
}

// Timeline 返回已确认消息后接尚未确认的本地消息。已被服务端确认的本地消息不会重复出现。
func (s *State) Timeline(conversationID string) ([]chat.Entry, error) {
	confirmed := s.Messages(conversationID)
	entries := make([]chat.Entry, 0, len(confirmed))
	for _, m := range confirmed {
		entries = append(entries, m)
	}
	if s.pending == nil {
		return entries, nil
	}

	pend, err := s.pending.ListPending(conversationID)
	if err != nil {
		return entries, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range pend {
		if _, done := s.clientIDs[p.ID]; done {
			continue
		}
		entries = append(entries, p)
	}
	return entries, nil
}

func decode(env event.Envelope, dst any) error {
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return nil
}
