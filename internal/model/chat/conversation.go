package chat

import "time"

// Conversation groups the turns exchanged between a user and the assistant.
type Conversation struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Title         string     `json:"title"`
	MessageCount  int        `json:"messageCount"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DeletedAt     *time.Time `json:"-"`
}

// Deleted reports whether the conversation was soft-deleted.
func (c Conversation) Deleted() bool {
	return c.DeletedAt != nil
}

// OwnedBy reports whether userID owns the conversation.
func (c Conversation) OwnedBy(userID string) bool {
	return c.UserID != "" && c.UserID == userID
}
