// Package delivery 驱动待发送消息的状态机：pending → sending → sent | failed。
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	"github.com/zhouzirui/z-chat/backend/pkg/client/bus"
	"github.com/zhouzirui/z-chat/backend/pkg/client/pending"
	"github.com/zhouzirui/z-chat/backend/pkg/client/transport"
)

// Sender writes a frame to the server.
type Sender interface {
	Send(ctx context.Context, frame event.Inbound) error
}

// Monitor reports connectivity.
type Monitor interface {
	IsOnline() bool
	Reconnected() <-chan struct{}
}

// Sent is published on bus.TopicDeliverySent once the server confirmed a message.
type Sent struct {
	Pending   chat.PendingMessage
	Confirmed chat.Message
}

// Options 投递参数
type Options struct {
	AckTimeout    time.Duration
	ReplayDelay   time.Duration
	MaxRetries    int
	PurgeInterval time.Duration
	Now           func() time.Time
	NewID         func() string
	OnSent        func(Sent)
}

func (o *Options) defaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 8 * time.Second
	}
	if o.ReplayDelay <= 0 {
		o.ReplayDelay = 500 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

type outcome struct {
	confirmed *chat.Message
	rejected  *event.ErrorFrame
	discarded bool
}

// Orchestrator 是待发送消息唯一的修改方。
type Orchestrator struct {
	store   *pending.Store
	sender  Sender
	monitor Monitor
	bus     *bus.Bus
	opts    Options

	mu      sync.Mutex
	waiters map[string]chan outcome
	status  chat.SyncStatus

	replayMu     sync.Mutex // held by the running replay
	replayGen    uint64
	replayCancel context.CancelFunc

	done chan struct{}
}

// New 创建编排器
func New(store *pending.Store, sender Sender, monitor Monitor, b *bus.Bus, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		store:   store,
		sender:  sender,
		monitor: monitor,
		bus:     b,
		opts:    opts,
		waiters: make(map[string]chan outcome),
	}
}

// Start 订阅确认帧，恢复上次遗留的消息，并在每次重连后自动重放。
func (o *Orchestrator) Start(ctx context.Context) {
	o.done = make(chan struct{})

	// 启动时离线的客户端在第一次上线时补做恢复回放；之后只响应 reconnected
	firstOnline := make(chan struct{}, 1)
	unsubs := []func(){
		o.bus.Subscribe(bus.TopicNetworkOnline, func(any) {
			select {
			case firstOnline <- struct{}{}:
			default:
			}
		}),
		o.bus.Subscribe(transport.FrameTopic(event.FrameAck), func(p any) {
			env, ok := p.(event.Envelope)
			if !ok {
				return
			}
			ack, err := transport.Decode[event.Ack](env)
			if err != nil {
				log.Printf("[delivery] bad ack frame: %v", err)
				return
			}
			o.HandleAck(ack)
		}),
		o.bus.Subscribe(transport.FrameTopic(event.FrameError), func(p any) {
			env, ok := p.(event.Envelope)
			if !ok {
				return
			}
			frame, err := transport.Decode[event.ErrorFrame](env)
			if err != nil {
				log.Printf("[delivery] bad error frame: %v", err)
				return
			}
			o.HandleError(frame)
		}),
	}

	go func() {
		defer close(o.done)
		defer func() {
			for _, u := range unsubs {
				u()
			}
		}()

		recovered := false
		if o.monitor.IsOnline() {
			recovered = true
			go o.Replay(ctx)
		}

		ticker := time.NewTicker(o.opts.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-firstOnline:
				if !recovered {
					recovered = true
					go o.Replay(ctx)
				}
			case <-o.monitor.Reconnected():
				recovered = true
				go o.Replay(ctx)
			case <-ticker.C:
				if n, err := o.store.PurgeExpired(o.opts.Now()); err != nil {
					log.Printf("[delivery] purge failed: %v", err)
				} else if n > 0 {
					log.Printf("[delivery] purged %d expired pending messages", n)
				}
			}
		}
	}()
}

// Done is closed once the loop started by Start has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// SyncStatus 返回当前重放进度
func (o *Orchestrator) SyncStatus() chat.SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Submit 持久化一条新消息；在线时立即发送并等待确认。
func (o *Orchestrator) Submit(ctx context.Context, conversationID, content string) (chat.PendingMessage, error) {
	if strings.TrimSpace(content) == "" {
		return chat.PendingMessage{}, &Error{Kind: KindValidationRejected, ConversationID: conversationID, Err: errors.New("content is empty")}
	}

	msg := chat.PendingMessage{
		ID:             o.opts.NewID(),
		ConversationID: conversationID,
		Content:        content,
		Role:           chat.RoleUser,
		CreatedAt:      o.opts.Now(),
		Status:         chat.StatusPending,
	}

	if !o.monitor.IsOnline() {
		saved, err := o.store.Save(msg)
		if err != nil {
			return chat.PendingMessage{}, err
		}
		return saved, &Error{Kind: KindOffline, ConversationID: conversationID, MessageID: msg.ID}
	}

	msg.Status = chat.StatusSending
	saved, err := o.store.Save(msg)
	if err != nil {
		return chat.PendingMessage{}, err
	}
	return saved, o.attempt(ctx, saved)
}

// Retry 手动重试一条失败的消息，不受自动重试上限限制。
func (o *Orchestrator) Retry(ctx context.Context, conversationID, id string) error {
	if o.inFlight(id) {
		return ErrInFlight
	}
	if !o.monitor.IsOnline() {
		return &Error{Kind: KindOffline, ConversationID: conversationID, MessageID: id}
	}
	msg, err := o.store.UpdateStatus(conversationID, id, chat.StatusSending)
	if err != nil {
		return err
	}
	return o.attempt(ctx, msg)
}

// Discard 删除消息；之后到达的确认会被忽略。
func (o *Orchestrator) Discard(conversationID, id string) error {
	removed, err := o.store.Remove(conversationID, id)
	if err != nil {
		return err
	}
	if !removed {
		return pending.ErrNotFound
	}
	o.wake(id, outcome{discarded: true})
	return nil
}

// HandleAck 处理服务端确认：仍在存储中则移除并回调，已丢弃则忽略。
func (o *Orchestrator) HandleAck(ack event.Ack) {
	if ack.ClientMessageID == "" {
		return
	}
	o.Confirm(ack.ClientMessageID, ack.Message)
}

// Confirm 用服务端权威消息退役同一客户端 id 的待发送消息。
// 返回 false 表示该消息已不在存储中。
func (o *Orchestrator) Confirm(clientMessageID string, confirmed chat.Message) bool {
	msg, err := o.store.Get(confirmed.ConversationID, clientMessageID)
	if err != nil {
		if !errors.Is(err, pending.ErrNotFound) {
			log.Printf("[delivery] lookup %s failed: %v", clientMessageID, err)
		}
		return false
	}
	// Remove 只会对一个调用方返回 true，与 Discard 的竞争由此决出。
	removed, err := o.store.Remove(msg.ConversationID, msg.ID)
	if err != nil {
		log.Printf("[delivery] remove %s failed: %v", msg.ID, err)
		return false
	}
	if !removed {
		return false
	}
	o.wake(clientMessageID, outcome{confirmed: &confirmed})

	msg.Status = chat.StatusSent
	sent := Sent{Pending: msg, Confirmed: confirmed}
	o.bus.Publish(bus.TopicDeliverySent, sent)
	if o.opts.OnSent != nil {
		o.opts.OnSent(sent)
	}
	return true
}

func (o *Orchestrator) wake(id string, out outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.waiters[id]; ok {
		delete(o.waiters, id)
		ch <- out
	}
}

// HandleError 把携带客户端 id 的服务端错误交给正在等待的发送。
func (o *Orchestrator) HandleError(frame event.ErrorFrame) {
	if frame.ClientMessageID == "" {
		return
	}
	o.wake(frame.ClientMessageID, outcome{rejected: &frame})
}

func (o *Orchestrator) inFlight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.waiters[id]
	return ok
}

// attempt 发送一次并等待确认、拒绝或超时。
func (o *Orchestrator) attempt(ctx context.Context, msg chat.PendingMessage) error {
	ch := make(chan outcome, 1)
	o.mu.Lock()
	if _, busy := o.waiters[msg.ID]; busy {
		o.mu.Unlock()
		return ErrInFlight
	}
	o.waiters[msg.ID] = ch
	o.mu.Unlock()

	frame, err := event.NewInbound(event.ActionSendMessage, event.SendMessage{
		ConversationID:  msg.ConversationID,
		Content:         msg.Content,
		ClientMessageID: msg.ID,
	})
	if err == nil {
		err = o.sender.Send(ctx, frame)
	}
	if err != nil {
		o.dropWaiter(msg.ID, ch)
		return o.fail(msg, KindTransportRejected, err)
	}

	timer := time.NewTimer(o.opts.AckTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		switch {
		case out.confirmed != nil:
			return nil
		case out.discarded:
			return ErrDiscarded
		default:
			kind := kindForCode(out.rejected.Code)
			return o.fail(msg, kind, errors.New(out.rejected.Message))
		}
	case <-timer.C:
		if o.dropWaiter(msg.ID, ch) {
			return o.fail(msg, KindTransportRejected, fmt.Errorf("no ack within %s", o.opts.AckTimeout))
		}
		return o.settled(<-ch, msg)
	case <-ctx.Done():
		if o.dropWaiter(msg.ID, ch) {
			if _, err := o.store.UpdateStatus(msg.ConversationID, msg.ID, chat.StatusPending); err != nil && !errors.Is(err, pending.ErrNotFound) {
				log.Printf("[delivery] reset %s after cancel failed: %v", msg.ID, err)
			}
			return ctx.Err()
		}
		return o.settled(<-ch, msg)
	}
}

// settled handles an outcome that raced with a timeout or cancellation.
func (o *Orchestrator) settled(out outcome, msg chat.PendingMessage) error {
	switch {
	case out.confirmed != nil:
		return nil
	case out.discarded:
		return ErrDiscarded
	default:
		return o.fail(msg, kindForCode(out.rejected.Code), errors.New(out.rejected.Message))
	}
}

// dropWaiter removes ch if it is still registered; false means an outcome was already delivered.
func (o *Orchestrator) dropWaiter(id string, ch chan outcome) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.waiters[id]; ok && cur == ch {
		delete(o.waiters, id)
		return true
	}
	return false
}

func (o *Orchestrator) fail(msg chat.PendingMessage, kind Kind, cause error) error {
	updated, err := o.store.Mutate(msg.ConversationID, msg.ID, func(m *chat.PendingMessage) {
		m.Status = chat.StatusFailed
		if kind.Retryable() {
			m.RetryCount++
		} else if m.RetryCount < o.opts.MaxRetries {
			m.RetryCount = o.opts.MaxRetries
		}
	})
	if errors.Is(err, pending.ErrNotFound) {
		return ErrDiscarded
	}
	if err != nil {
		log.Printf("[delivery] persist failure of %s: %v", msg.ID, err)
	}

	derr := &Error{Kind: kind, ConversationID: msg.ConversationID, MessageID: msg.ID, Err: cause}
	log.Printf("[delivery] %v (retries=%d)", derr, updated.RetryCount)
	o.bus.Publish(bus.TopicDeliveryFailed, derr)
	return derr
}

func (o *Orchestrator) setStatus(gen uint64, s chat.SyncStatus) {
	o.mu.Lock()
	if gen != o.replayGen {
		o.mu.Unlock()
		return
	}
	o.status = s
	o.mu.Unlock()
	o.bus.Publish(bus.TopicSyncStatus, s)
}

// Replay 按提交顺序逐条重发可重试的消息。新的重放会取代正在进行的重放。
// 同一会话中一条消息失败（或已达重试上限）后，其后的消息在本轮不再发送。
func (o *Orchestrator) Replay(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.replayGen++
	gen := o.replayGen
	if o.replayCancel != nil {
		o.replayCancel()
	}
	o.replayCancel = cancel
	o.mu.Unlock()

	o.replayMu.Lock()
	defer o.replayMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	all, err := o.store.ListAll()
	if err != nil {
		log.Printf("[delivery] replay list failed: %v", err)
		return
	}

	blocked := make(map[string]bool)
	queue := make([]chat.PendingMessage, 0, len(all))
	for _, msg := range all {
		if blocked[msg.ConversationID] {
			continue
		}
		if o.candidate(msg) {
			queue = append(queue, msg)
			continue
		}
		if msg.Status == chat.StatusFailed {
			blocked[msg.ConversationID] = true
		}
	}
	if len(queue) == 0 {
		o.setStatus(gen, chat.SyncStatus{})
		return
	}

	log.Printf("[delivery] replaying %d pending messages", len(queue))
	status := chat.SyncStatus{InProgress: true, Total: len(queue)}
	o.setStatus(gen, status)

	attempted := false
	for _, msg := range queue {
		if ctx.Err() != nil {
			return
		}
		if !o.monitor.IsOnline() {
			log.Printf("[delivery] replay interrupted: offline")
			break
		}

		if !blocked[msg.ConversationID] {
			if attempted {
				select {
				case <-ctx.Done():
					return
				case <-time.After(o.opts.ReplayDelay):
				}
			}
			attempted = true
			if err := o.replayOne(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, ErrDiscarded) {
					blocked[msg.ConversationID] = true
				}
			}
		}

		status.Synced++
		o.setStatus(gen, status)
	}

	o.setStatus(gen, chat.SyncStatus{})
}

func (o *Orchestrator) candidate(msg chat.PendingMessage) bool {
	switch msg.Status {
	case chat.StatusPending, chat.StatusSending:
		return !o.inFlight(msg.ID)
	case chat.StatusFailed:
		return msg.RetryCount < o.opts.MaxRetries && !o.inFlight(msg.ID)
	default:
		return false
	}
}

func (o *Orchestrator) replayOne(ctx context.Context, msg chat.PendingMessage) error {
	current, err := o.store.Get(msg.ConversationID, msg.ID)
	if errors.Is(err, pending.ErrNotFound) {
		return ErrDiscarded
	}
	if err != nil {
		return err
	}
	if !o.candidate(current) {
		return ErrInFlight
	}
	current, err = o.store.UpdateStatus(current.ConversationID, current.ID, chat.StatusSending)
	if err != nil {
		return err
	}
	return o.attempt(ctx, current)
}
