package realtime

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/metrics"
	"github.com/zhouzirui/z-chat/backend/internal/model/event"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already registered")
	ErrInvalidSession  = errors.New("session id and user id are required")
)

// Sink receives envelopes for one session. Enqueue must not block.
type Sink interface {
	Enqueue(env event.Envelope) bool
}

// DirectSink is a Sink that can wait a bounded time for queue space. Direct
// frames (ack, chunk, done, error) use it; broadcasts never do.
type DirectSink interface {
	Sink
	EnqueueWait(env event.Envelope, timeout time.Duration) bool
}

type session struct {
	id     string
	userID string
	rooms  map[string]struct{}
	sink   Sink
}

// SessionInfo is a read-only snapshot of a registered session.
type SessionInfo struct {
	ID              string
	UserID          string
	ConversationIDs []string
}

// Registry 记录会话归属的用户与加入的会话房间，是成员关系的唯一写入方。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	byUser   map[string]map[string]*session
	rooms    map[string]map[string]*session
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		byUser:   make(map[string]map[string]*session),
		rooms:    make(map[string]map[string]*session),
	}
}

// RegisterSession 登记新连接
func (r *Registry) RegisterSession(sessionID, userID string, sink Sink) error {
	if sessionID == "" || userID == "" || sink == nil {
		return ErrInvalidSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return ErrSessionExists
	}

	s := &session{id: sessionID, userID: userID, rooms: make(map[string]struct{}), sink: sink}
	r.sessions[sessionID] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*session)
	}
	r.byUser[userID][sessionID] = s
	metrics.ActiveSessions.Inc()
	return nil
}

// UnregisterSession 移除连接及其全部房间成员关系
func (r *Registry) UnregisterSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for convID := range s.rooms {
		r.removeFromRoom(convID, sessionID)
	}
	delete(r.sessions, sessionID)
	if users := r.byUser[s.userID]; users != nil {
		delete(users, sessionID)
		if len(users) == 0 {
			delete(r.byUser, s.userID)
		}
	}
	metrics.ActiveSessions.Dec()
}

// JoinRoom 加入会话房间
func (r *Registry) JoinRoom(sessionID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.rooms[conversationID] = struct{}{}
	if r.rooms[conversationID] == nil {
		r.rooms[conversationID] = make(map[string]*session)
	}
	r.rooms[conversationID][sessionID] = s
	return nil
}

// LeaveRoom 离开会话房间
func (r *Registry) LeaveRoom(sessionID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	delete(s.rooms, conversationID)
	r.removeFromRoom(conversationID, sessionID)
	return nil
}

// CloseRoom drops every membership of a conversation, e.g. after it was deleted.
func (r *Registry) CloseRoom(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID, s := range r.rooms[conversationID] {
		delete(s.rooms, conversationID)
		delete(r.rooms[conversationID], sessionID)
	}
	delete(r.rooms, conversationID)
}

func (r *Registry) removeFromRoom(conversationID, sessionID string) {
	members := r.rooms[conversationID]
	if members == nil {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, conversationID)
	}
}

// Session returns a snapshot of the session.
func (r *Registry) Session(sessionID string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	rooms := make([]string, 0, len(s.rooms))
	for convID := range s.rooms {
		rooms = append(rooms, convID)
	}
	sort.Strings(rooms)
	return SessionInfo{ID: s.id, UserID: s.userID, ConversationIDs: rooms}, true
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

type target struct {
	id   string
	sink Sink
}

// userTargets resolves the user's sessions other than exclude.
// originFound is false when exclude is set but is not a live session of that user.
func (r *Registry) userTargets(userID, exclude string) (targets []target, originFound bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byUser[userID], exclude)
}

func (r *Registry) roomTargets(conversationID, exclude string) (targets []target, originFound bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets, originFound = collect(r.rooms[conversationID], exclude)
	if !originFound && exclude != "" {
		// 来源会话可能没有加入房间，但仍然在线
		_, originFound = r.sessions[exclude]
	}
	return targets, originFound
}

func (r *Registry) sinkOf(sessionID string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.sink, true
}

func collect(members map[string]*session, exclude string) ([]target, bool) {
	out := make([]target, 0, len(members))
	found := exclude == ""
	for id, s := range members {
		if id == exclude {
			found = true
			continue
		}
		out = append(out, target{id: id, sink: s.sink})
	}
	return out, found
}
