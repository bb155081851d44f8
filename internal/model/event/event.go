package event

import (
	"encoding/json"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// Type 是广播事件的类型标签。
type Type string

const (
	ConversationCreated  Type = "conversation:created"
	ConversationUpdated  Type = "conversation:updated"
	ConversationDeleted  Type = "conversation:deleted"
	ConversationActivity Type = "conversation:activity"
	MessageNew           Type = "message:new"
	MessagePinned        Type = "message:pinned"
	MessageUnpinned      Type = "message:unpinned"
	AITypingStart        Type = "ai:typing:start"
	AITypingStop         Type = "ai:typing:stop"
)

// Catalogue 列出全部广播事件类型。
var Catalogue = []Type{
	ConversationCreated,
	ConversationUpdated,
	ConversationDeleted,
	ConversationActivity,
	MessageNew,
	MessagePinned,
	MessageUnpinned,
	AITypingStart,
	AITypingStop,
}

// IsBroadcast 判断类型是否属于广播事件目录。
func IsBroadcast(t Type) bool {
	for _, c := range Catalogue {
		if c == t {
			return true
		}
	}
	return false
}

// Frame types exchanged directly with a single session (not broadcast).
const (
	FrameConnected Type = "connected"
	FrameAck       Type = "ack"
	FrameChunk     Type = "chunk"
	FrameDone      Type = "done"
	FrameError     Type = "error"
)

// Envelope 是推送给客户端的消息外壳，不包含来源会话。
type Envelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope marshals payload into an envelope stamped with the current time.
func NewEnvelope(t Type, payload any) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = data
	return env, nil
}

// ConversationPatch carries only the fields that changed.
type ConversationPatch struct {
	ID        string     `json:"id"`
	Title     *string    `json:"title,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ConversationRef identifies a deleted conversation.
type ConversationRef struct {
	ID string `json:"id"`
}

// Activity is the lightweight bump used to reorder conversation lists.
type Activity struct {
	ConversationID string    `json:"conversationId"`
	MessageCount   int       `json:"messageCount"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
}

// PinChange reports a message's pinned flag transition.
type PinChange struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Pinned         bool   `json:"pinned"`
}

// Typing reports assistant typing state for a conversation.
type Typing struct {
	ConversationID string `json:"conversationId"`
	Actor          string `json:"actor"`
}

// Connected is sent once to a session after the handshake.
type Connected struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// Ack acknowledges a persisted user message.
type Ack struct {
	ClientMessageID string       `json:"clientMessageId"`
	Message         chat.Message `json:"message"`
}

// Chunk carries an incremental piece of assistant text.
type Chunk struct {
	ConversationID  string `json:"conversationId"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	Text            string `json:"text"`
}

// Done terminates a streamed turn.
type Done struct {
	UserMessage      chat.Message      `json:"userMessage"`
	AssistantMessage chat.Message      `json:"assistantMessage"`
	Conversation     chat.Conversation `json:"conversation"`
}

// Error codes carried by error frames.
const (
	CodeInvalid      = "invalid"
	CodeValidation   = "validation_rejected"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
	CodeRateLimited  = "rate_limited"
)

// ErrorFrame reports a failed request to the originating session.
type ErrorFrame struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}
