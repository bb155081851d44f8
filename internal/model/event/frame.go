package event

import (
	"encoding/json"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// Inbound frame types sent by clients over the transport.
const (
	ActionSendMessage       = "sendMessage"
	ActionStartTyping       = "startTyping"
	ActionStopTyping        = "stopTyping"
	ActionJoinConversation  = "joinConversation"
	ActionLeaveConversation = "leaveConversation"
)

// Inbound 是客户端发来的消息外壳。
type Inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// SendMessage 发送消息请求。
type SendMessage struct {
	ConversationID  string            `json:"conversationId"`
	Content         string            `json:"content"`
	ClientMessageID string            `json:"clientMessageId"`
	Attachments     []chat.Attachment `json:"attachments,omitempty"`
}

// ConversationAction carries the target of typing/join/leave frames.
type ConversationAction struct {
	ConversationID string `json:"conversationId"`
}

// NewInbound builds an inbound frame from a typed payload.
func NewInbound(action string, payload any) (Inbound, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Type: action, Data: data}, nil
}
