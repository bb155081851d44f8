package chat

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment references an uploaded file sent along with a message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// Message is the server-authoritative record of a single turn.
type Message struct {
	ID              string       `json:"id"`
	ConversationID  string       `json:"conversationId"`
	ClientMessageID string       `json:"clientMessageId,omitempty"`
	Role            Role         `json:"role"`
	Content         string       `json:"content"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Pinned          bool         `json:"pinned"`
	CreatedAt       time.Time    `json:"createdAt"`
}

func (Message) isEntry() {}

// EntryID implements Entry.
func (m Message) EntryID() string { return m.ID }
