package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	message_count   INTEGER NOT NULL DEFAULT 0,
	last_message_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	deleted_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	conversation_id   TEXT NOT NULL REFERENCES conversations (id),
	client_message_id TEXT,
	role              TEXT NOT NULL,
	content           TEXT NOT NULL,
	attachments       JSONB,
	pinned            BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL
);
ALTER TABLE messages ADD COLUMN IF NOT EXISTS attachments JSONB;
CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS messages_client_id_idx ON messages (conversation_id, client_message_id)
	WHERE client_message_id IS NOT NULL;
`

// Postgres implements Repository on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateConversation(ctx context.Context, conv chat.Conversation) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, title, message_count, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	return err
}

const conversationColumns = `id, user_id, title, message_count, last_message_at, created_at, updated_at, deleted_at`

func scanConversation(row pgx.Row) (chat.Conversation, error) {
	var c chat.Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.MessageCount, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	return c, err
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND deleted_at IS NULL`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

func (p *Postgres) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE user_id = $1 AND deleted_at IS NULL ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateConversation(ctx context.Context, conv chat.Conversation) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE conversations SET title = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`,
		conv.ID, conv.Title, conv.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (p *Postgres) SoftDeleteConversation(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE conversations SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (p *Postgres) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return chat.Message{}, false, err
	}
	defer tx.Rollback(ctx)

	// 行锁串行化同一会话的写入，ON CONFLICT 才能看到已提交的同 clientMessageId 行
	if err := lockConversation(ctx, tx, msg.ConversationID); err != nil {
		return chat.Message{}, false, err
	}

	var clientID *string
	if msg.ClientMessageID != "" {
		clientID = &msg.ClientMessageID
	}
	var attachments []byte
	if len(msg.Attachments) > 0 {
		if attachments, err = json.Marshal(msg.Attachments); err != nil {
			return chat.Message{}, false, fmt.Errorf("encode attachments: %w", err)
		}
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, client_message_id, role, content, attachments, pinned, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (conversation_id, client_message_id) WHERE client_message_id IS NOT NULL DO NOTHING`,
		msg.ID, msg.ConversationID, clientID, string(msg.Role), msg.Content, attachments, msg.Pinned, msg.CreatedAt)
	if err != nil {
		return chat.Message{}, false, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND client_message_id = $2`,
			msg.ConversationID, msg.ClientMessageID))
		if err != nil {
			return chat.Message{}, false, fmt.Errorf("load duplicate message: %w", err)
		}
		return existing, false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations
		 SET message_count = message_count + 1, last_message_at = $2, updated_at = $2
		 WHERE id = $1`, msg.ConversationID, msg.CreatedAt); err != nil {
		return chat.Message{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Message{}, false, err
	}
	return msg, true, nil
}

func lockConversation(ctx context.Context, tx pgx.Tx, conversationID string) error {
	var one int
	err := tx.QueryRow(ctx,
		`SELECT 1 FROM conversations WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, conversationID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConversationNotFound
	}
	return err
}

const messageColumns = `id, conversation_id, COALESCE(client_message_id, ''), role, content, attachments, pinned, created_at`

func scanMessage(row pgx.Row) (chat.Message, error) {
	var m chat.Message
	var role string
	var attachments []byte
	if err := row.Scan(&m.ID, &m.ConversationID, &m.ClientMessageID, &role, &m.Content, &attachments, &m.Pinned, &m.CreatedAt); err != nil {
		return chat.Message{}, err
	}
	m.Role = chat.Role(role)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return chat.Message{}, fmt.Errorf("decode attachments of message %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func (p *Postgres) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	msg, err := scanMessage(p.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, ErrMessageNotFound
	}
	return msg, err
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Message, 0, 16)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (p *Postgres) SetPinned(ctx context.Context, conversationID, messageID string, pinned bool, limit int) (chat.Message, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return chat.Message{}, false, err
	}
	defer tx.Rollback(ctx)

	if err := lockConversation(ctx, tx, conversationID); err != nil {
		return chat.Message{}, false, err
	}
	msg, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 AND conversation_id = $2`, messageID, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, false, ErrMessageNotFound
	}
	if err != nil {
		return chat.Message{}, false, err
	}
	if msg.Pinned == pinned {
		return msg, false, tx.Commit(ctx)
	}

	if pinned && limit > 0 {
		var n int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND pinned`, conversationID).Scan(&n); err != nil {
			return chat.Message{}, false, err
		}
		if n >= limit {
			return chat.Message{}, false, ErrPinLimit
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE messages SET pinned = $2 WHERE id = $1`, messageID, pinned); err != nil {
		return chat.Message{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Message{}, false, err
	}
	msg.Pinned = pinned
	return msg, true, nil
}
