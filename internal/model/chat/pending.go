package chat

import "time"

// Status is the delivery state of a locally-owned message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// PendingMessage is a client-local message that the server has not confirmed yet.
// ID is generated on the client and carried through to the server acknowledgement.
type PendingMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"createdAt"`
	Status         Status    `json:"status"`
	RetryCount     int       `json:"retryCount"`
	Seq            uint64    `json:"seq"`
}

func (PendingMessage) isEntry() {}

// EntryID implements Entry.
func (p PendingMessage) EntryID() string { return p.ID }

// SyncStatus describes the progress of a batch replay.
type SyncStatus struct {
	InProgress bool `json:"inProgress"`
	Total      int  `json:"total"`
	Synced     int  `json:"synced"`
}

// Entry is either a PendingMessage or a confirmed Message. The set is closed:
// only types in this package implement it.
type Entry interface {
	EntryID() string
	isEntry()
}
