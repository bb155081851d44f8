// Package pending 持久化尚未被服务端确认的用户消息，进程重启后仍可恢复。
package pending

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/client/bus"
)

const (
	keyPrefix     = "pending/"
	keyUpperBound = "pending0" // '0' sorts right after '/'
	seqKey        = "meta/seq"

	// DefaultMaxAge bounds how long an undelivered message is kept.
	DefaultMaxAge = 24 * time.Hour
)

var (
	ErrNotFound = errors.New("pending message not found")
	ErrClosed   = errors.New("pending store closed")
	ErrInvalid  = errors.New("pending message requires id and conversation id")
)

// Changed is the payload of bus.TopicPendingChanged.
type Changed struct {
	ConversationID string
	ID             string
}

// Config 描述存储位置与过期策略。
type Config struct {
	Path   string
	MaxAge time.Duration
	// Pebble overrides the engine options; tests pass an in-memory FS.
	Pebble *pebble.Options
}

// Store 基于 pebble 的待发送消息存储；每次写入都同步落盘。
type Store struct {
	mu     sync.Mutex
	db     *pebble.DB
	bus    *bus.Bus
	maxAge time.Duration
	seq    uint64
	closed bool
}

// Open 打开（或创建）存储并恢复序号计数器。
func Open(cfg Config, b *bus.Bus) (*Store, error) {
	opts := cfg.Pebble
	if opts == nil {
		opts = &pebble.Options{}
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pending store: %w", err)
	}

	s := &Store{db: db, bus: b, maxAge: cfg.MaxAge}
	if err := s.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadSeq() error {
	data, closer, err := s.db.Get([]byte(seqKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read seq: %w", err)
	}
	defer closer.Close()
	if len(data) == 8 {
		s.seq = binary.BigEndian.Uint64(data)
	}
	return nil
}

// Close 关闭底层数据库
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.db.Close()
}

func key(conversationID, id string) []byte {
	return []byte(keyPrefix + conversationID + "/" + id)
}

func conversationBounds(conversationID string) (lower, upper []byte) {
	prefix := keyPrefix + conversationID + "/"
	return []byte(prefix), []byte(keyPrefix + conversationID + "0")
}

// Save 写入或覆盖一条待发送消息；新消息会分配单调递增的序号。
func (s *Store) Save(msg chat.PendingMessage) (chat.PendingMessage, error) {
	if msg.ID == "" || msg.ConversationID == "" || strings.Contains(msg.ConversationID, "/") {
		return chat.PendingMessage{}, ErrInvalid
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.PendingMessage{}, ErrClosed
	}

	existing, err := s.getLocked(msg.ConversationID, msg.ID)
	switch {
	case err == nil:
		msg.Seq = existing.Seq
	case errors.Is(err, ErrNotFound):
		s.seq++
		msg.Seq = s.seq
	default:
		s.mu.Unlock()
		return chat.PendingMessage{}, err
	}
	if msg.Role == "" {
		msg.Role = chat.RoleUser
	}
	if msg.Status == "" {
		msg.Status = chat.StatusPending
	}

	err = s.writeLocked(msg, true)
	s.mu.Unlock()
	if err != nil {
		return chat.PendingMessage{}, err
	}

	s.notify(msg.ConversationID, msg.ID)
	return msg, nil
}

// Get 读取单条消息
func (s *Store) Get(conversationID, id string) (chat.PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chat.PendingMessage{}, ErrClosed
	}
	return s.getLocked(conversationID, id)
}

// Remove 删除消息；removed 为 false 表示消息已不存在。
func (s *Store) Remove(conversationID, id string) (removed bool, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	if _, err := s.getLocked(conversationID, id); err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	err = s.db.Delete(key(conversationID, id), pebble.Sync)
	s.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("delete pending: %w", err)
	}

	s.notify(conversationID, id)
	return true, nil
}

// Mutate 在锁内读取、修改并写回一条消息。
func (s *Store) Mutate(conversationID, id string, fn func(*chat.PendingMessage)) (chat.PendingMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.PendingMessage{}, ErrClosed
	}
	msg, err := s.getLocked(conversationID, id)
	if err != nil {
		s.mu.Unlock()
		return chat.PendingMessage{}, err
	}
	fn(&msg)
	msg.ID, msg.ConversationID = id, conversationID
	err = s.writeLocked(msg, false)
	s.mu.Unlock()
	if err != nil {
		return chat.PendingMessage{}, err
	}

	s.notify(conversationID, id)
	return msg, nil
}

// UpdateStatus 修改消息状态
func (s *Store) UpdateStatus(conversationID, id string, status chat.Status) (chat.PendingMessage, error) {
	return s.Mutate(conversationID, id, func(m *chat.PendingMessage) {
		m.Status = status
	})
}

// IncrementRetryCount 失败计数加一
func (s *Store) IncrementRetryCount(conversationID, id string) (chat.PendingMessage, error) {
	return s.Mutate(conversationID, id, func(m *chat.PendingMessage) {
		m.RetryCount++
	})
}

// ListPending 按提交顺序列出某会话的消息
func (s *Store) ListPending(conversationID string) ([]chat.PendingMessage, error) {
	lower, upper := conversationBounds(conversationID)
	return s.scan(lower, upper)
}

// ListAll 按提交顺序列出全部会话的消息
func (s *Store) ListAll() ([]chat.PendingMessage, error) {
	return s.scan([]byte(keyPrefix), []byte(keyUpperBound))
}

// PurgeExpired 删除创建时间早于 now-MaxAge 的消息，无论状态如何。
func (s *Store) PurgeExpired(now time.Time) (int, error) {
	all, err := s.ListAll()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-s.maxAge)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	batch := s.db.NewBatch()
	var purged []chat.PendingMessage
	for _, msg := range all {
		if msg.CreatedAt.Before(cutoff) {
			if err := batch.Delete(key(msg.ConversationID, msg.ID), nil); err != nil {
				batch.Close()
				s.mu.Unlock()
				return 0, err
			}
			purged = append(purged, msg)
		}
	}
	if len(purged) == 0 {
		batch.Close()
		s.mu.Unlock()
		return 0, nil
	}
	err = batch.Commit(pebble.Sync)
	batch.Close()
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("purge pending: %w", err)
	}

	for _, msg := range purged {
		s.notify(msg.ConversationID, msg.ID)
	}
	return len(purged), nil
}

func (s *Store) scan(lower, upper []byte) ([]chat.PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	out := make([]chat.PendingMessage, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		var msg chat.PendingMessage
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		out = append(out, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *Store) getLocked(conversationID, id string) (chat.PendingMessage, error) {
	data, closer, err := s.db.Get(key(conversationID, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return chat.PendingMessage{}, ErrNotFound
	}
	if err != nil {
		return chat.PendingMessage{}, fmt.Errorf("read pending: %w", err)
	}
	defer closer.Close()

	var msg chat.PendingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return chat.PendingMessage{}, fmt.Errorf("decode pending: %w", err)
	}
	return msg, nil
}

func (s *Store) writeLocked(msg chat.PendingMessage, persistSeq bool) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode pending: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key(msg.ConversationID, msg.ID), data, nil); err != nil {
		return err
	}
	if persistSeq {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], s.seq)
		if err := batch.Set([]byte(seqKey), buf[:], nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("write pending: %w", err)
	}
	return nil
}

func (s *Store) notify(conversationID, id string) {
	if s.bus != nil {
		s.bus.Publish(bus.TopicPendingChanged, Changed{ConversationID: conversationID, ID: id})
	}
}
