package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	"github.com/zhouzirui/z-chat/backend/pkg/client/bus"
	"github.com/zhouzirui/z-chat/backend/pkg/client/netmon"
	"github.com/zhouzirui/z-chat/backend/pkg/client/pending"
	"github.com/zhouzirui/z-chat/backend/pkg/client/transport"
)

type reply int

const (
	replyAck reply = iota
	replyDrop
	replyInternal
	replyValidation
	replySendError
)

// fakeSender answers every frame synchronously according to its current mode.
type fakeSender struct {
	mu   sync.Mutex
	o    *Orchestrator
	mode map[string]reply // by conversation id; missing means ack
	sent []event.SendMessage
}

func (s *fakeSender) setMode(conversationID string, r reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode[conversationID] = r
}

func (s *fakeSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		ids = append(ids, m.ClientMessageID)
	}
	return ids
}

func (s *fakeSender) Send(_ context.Context, frame event.Inbound) error {
	var msg event.SendMessage
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	r := s.mode[msg.ConversationID]
	s.mu.Unlock()

	switch r {
	case replyAck:
		s.o.HandleAck(ackFor(msg))
	case replyInternal:
		s.o.HandleError(event.ErrorFrame{Code: event.CodeInternal, Message: "boom", ClientMessageID: msg.ClientMessageID})
	case replyValidation:
		s.o.HandleError(event.ErrorFrame{Code: event.CodeValidation, Message: "too long", ClientMessageID: msg.ClientMessageID})
	case replySendError:
		return transport.ErrNotConnected
	}
	return nil
}

func ackFor(msg event.SendMessage) event.Ack {
	return event.Ack{
		ClientMessageID: msg.ClientMessageID,
		Message: chat.Message{
			ID:              "srv-" + msg.ClientMessageID,
			ConversationID:  msg.ConversationID,
			ClientMessageID: msg.ClientMessageID,
			Role:            chat.RoleUser,
			Content:         msg.Content,
		},
	}
}

type fixture struct {
	bus     *bus.Bus
	store   *pending.Store
	monitor *netmon.Monitor
	sender  *fakeSender
	o       *Orchestrator

	mu     sync.Mutex
	sentCB []Sent
}

func newFixture(t *testing.T, online bool, opts Options) *fixture {
	t.Helper()
	f := &fixture{bus: bus.New()}

	store, err := pending.Open(pending.Config{Path: "pending", Pebble: &pebble.Options{FS: vfs.NewMem()}}, f.bus)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.store = store
	f.monitor = netmon.New(f.bus, online)
	f.sender = &fakeSender{mode: make(map[string]reply)}

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	ids := 0
	if opts.Now == nil {
		opts.Now = func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		}
	}
	if opts.NewID == nil {
		opts.NewID = func() string {
			clockMu.Lock()
			defer clockMu.Unlock()
			ids++
			return fmt.Sprintf("m%d", ids)
		}
	}
	if opts.AckTimeout == 0 {
		opts.AckTimeout = time.Second
	}
	if opts.ReplayDelay == 0 {
		opts.ReplayDelay = time.Millisecond
	}
	opts.OnSent = func(s Sent) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sentCB = append(f.sentCB, s)
	}

	f.o = New(store, f.sender, f.monitor, f.bus, opts)
	f.sender.o = f.o
	return f
}

func (f *fixture) confirmed() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sentCB...)
}

func (f *fixture) get(t *testing.T, conv, id string) chat.PendingMessage {
	t.Helper()
	msg, err := f.store.Get(conv, id)
	require.NoError(t, err)
	return msg
}

func TestSubmitOnlineIsConfirmed(t *testing.T) {
	f := newFixture(t, true, Options{})

	var published []Sent
	f.bus.Subscribe(bus.TopicDeliverySent, func(p any) { published = append(published, p.(Sent)) })

	msg, err := f.o.Submit(context.Background(), "c1", "hello")
	require.NoError(t, err)
	require.Equal(t, "m1", msg.ID)

	_, err = f.store.Get("c1", "m1")
	require.ErrorIs(t, err, pending.ErrNotFound)

	require.Len(t, published, 1)
	require.Equal(t, "srv-m1", published[0].Confirmed.ID)
	require.Equal(t, chat.StatusSent, published[0].Pending.Status)
	require.Len(t, f.confirmed(), 1)
}

func TestSubmitRejectsBlankContent(t *testing.T) {
	f := newFixture(t, true, Options{})

	_, err := f.o.Submit(context.Background(), "c1", "   ")
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindValidationRejected, kind)
	require.Empty(t, f.sender.sentIDs())
}

func TestOfflineSubmitReplaysOnReconnect(t *testing.T) {
	f := newFixture(t, false, Options{})

	for _, content := range []string{"one", "two", "three"} {
		_, err := f.o.Submit(context.Background(), "c1", content)
		kind, ok := KindOf(err)
		require.True(t, ok)
		require.Equal(t, KindOffline, kind)
	}
	list, err := f.store.ListPending("c1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, m := range list {
		require.Equal(t, chat.StatusPending, m.Status)
	}

	var mu sync.Mutex
	var statuses []chat.SyncStatus
	f.bus.Subscribe(bus.TopicSyncStatus, func(p any) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, p.(chat.SyncStatus))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.o.Start(ctx)
	require.Empty(t, f.sender.sentIDs(), "nothing is sent while offline")

	f.monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		all, err := f.store.ListAll()
		return err == nil && len(all) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"m1", "m2", "m3"}, f.sender.sentIDs())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) > 0 && !statuses[len(statuses)-1].InProgress
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, chat.SyncStatus{InProgress: true, Total: 3}, statuses[0])
	require.Equal(t, chat.SyncStatus{InProgress: true, Total: 3, Synced: 3}, statuses[len(statuses)-2])
	mu.Unlock()
	require.Equal(t, chat.SyncStatus{}, f.o.SyncStatus())

	cancel()
	<-f.o.Done()
}

func TestStartOfflineRecoversOnFirstConnection(t *testing.T) {
	f := newFixture(t, false, Options{})
	_, err := f.store.Save(chat.PendingMessage{
		ID:             "left-over",
		ConversationID: "c1",
		Content:        "from last run",
		Role:           chat.RoleUser,
		Status:         chat.StatusSending,
		CreatedAt:      time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.o.Start(ctx)
	require.Empty(t, f.sender.sentIDs())

	f.monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		all, err := f.store.ListAll()
		return err == nil && len(all) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"left-over"}, f.sender.sentIDs())

	select {
	case <-f.monitor.Reconnected():
		t.Fatal("first connection must not count as a reconnect")
	default:
	}

	cancel()
	<-f.o.Done()
}

func TestReplayBlocksConversationBehindFailure(t *testing.T) {
	f := newFixture(t, false, Options{})
	ctx := context.Background()

	submit := func(conv string) {
		_, err := f.o.Submit(ctx, conv, "x")
		require.Error(t, err)
	}
	submit("a") // m1
	submit("a") // m2
	submit("b") // m3

	f.monitor.SetOnline(true)
	f.sender.setMode("a", replyInternal)
	f.o.Replay(ctx)

	require.Equal(t, []string{"m1", "m3"}, f.sender.sentIDs())

	head := f.get(t, "a", "m1")
	require.Equal(t, chat.StatusFailed, head.Status)
	require.Equal(t, 1, head.RetryCount)
	require.Equal(t, chat.StatusPending, f.get(t, "a", "m2").Status)

	_, err := f.store.Get("b", "m3")
	require.ErrorIs(t, err, pending.ErrNotFound)

	// once the head goes through, the rest of the conversation follows in order
	f.sender.setMode("a", replyAck)
	f.o.Replay(ctx)
	require.Equal(t, []string{"m1", "m3", "m1", "m2"}, f.sender.sentIDs())

	var confirmedIDs []string
	for _, s := range f.confirmed() {
		confirmedIDs = append(confirmedIDs, s.Pending.ID)
	}
	require.Equal(t, []string{"m3", "m1", "m2"}, confirmedIDs)
}

func TestRetryCapStopsAutomaticReplayButNotManualRetry(t *testing.T) {
	f := newFixture(t, false, Options{MaxRetries: 3})
	ctx := context.Background()

	_, err := f.o.Submit(ctx, "c1", "stubborn")
	require.Error(t, err)
	_, err = f.o.Submit(ctx, "c1", "behind")
	require.Error(t, err)

	f.monitor.SetOnline(true)
	f.sender.setMode("c1", replyInternal)
	for i := 0; i < 5; i++ {
		f.o.Replay(ctx)
	}
	require.Equal(t, []string{"m1", "m1", "m1"}, f.sender.sentIDs())
	require.Equal(t, 3, f.get(t, "c1", "m1").RetryCount)
	require.Equal(t, chat.StatusPending, f.get(t, "c1", "m2").Status, "capped head blocks the conversation")

	err = f.o.Retry(ctx, "c1", "m1")
	kind, _ := KindOf(err)
	require.Equal(t, KindTransportRejected, kind)
	require.Equal(t, 4, f.get(t, "c1", "m1").RetryCount)

	f.sender.setMode("c1", replyAck)
	require.NoError(t, f.o.Retry(ctx, "c1", "m1"))
	_, err = f.store.Get("c1", "m1")
	require.ErrorIs(t, err, pending.ErrNotFound)

	f.o.Replay(ctx)
	_, err = f.store.Get("c1", "m2")
	require.ErrorIs(t, err, pending.ErrNotFound)
}

func TestValidationRejectionIsNotRetried(t *testing.T) {
	f := newFixture(t, true, Options{MaxRetries: 3})
	ctx := context.Background()
	f.sender.setMode("c1", replyValidation)

	_, err := f.o.Submit(ctx, "c1", "bad")
	var derr *Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, KindValidationRejected, derr.Kind)
	require.Equal(t, "validation_rejected", derr.Reason())
	require.Equal(t, "m1", derr.MessageID)

	msg := f.get(t, "c1", "m1")
	require.Equal(t, chat.StatusFailed, msg.Status)
	require.Equal(t, 3, msg.RetryCount)

	f.o.Replay(ctx)
	require.Equal(t, []string{"m1"}, f.sender.sentIDs())
}

func TestAckTimeoutFailsAndLateAckStillConfirms(t *testing.T) {
	f := newFixture(t, true, Options{AckTimeout: 30 * time.Millisecond})
	f.sender.setMode("c1", replyDrop)

	_, err := f.o.Submit(context.Background(), "c1", "slow")
	kind, _ := KindOf(err)
	require.Equal(t, KindTransportRejected, kind)

	msg := f.get(t, "c1", "m1")
	require.Equal(t, chat.StatusFailed, msg.Status)
	require.Equal(t, 1, msg.RetryCount)

	f.o.HandleAck(ackFor(event.SendMessage{ConversationID: "c1", ClientMessageID: "m1", Content: "slow"}))
	_, err = f.store.Get("c1", "m1")
	require.ErrorIs(t, err, pending.ErrNotFound)
	require.Len(t, f.confirmed(), 1)
}

func TestSendErrorCountsAsRetry(t *testing.T) {
	f := newFixture(t, true, Options{})
	f.sender.setMode("c1", replySendError)

	_, err := f.o.Submit(context.Background(), "c1", "x")
	require.ErrorIs(t, err, transport.ErrNotConnected)
	require.Equal(t, 1, f.get(t, "c1", "m1").RetryCount)
}

func TestDiscardWinsOverLateAck(t *testing.T) {
	f := newFixture(t, true, Options{AckTimeout: 5 * time.Second})
	f.sender.setMode("c1", replyDrop)

	var published int
	f.bus.Subscribe(bus.TopicDeliverySent, func(any) { published++ })

	errc := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(context.Background(), "c1", "oops")
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(f.sender.sentIDs()) == 1 }, time.Second, time.Millisecond)

	require.ErrorIs(t, f.o.Retry(context.Background(), "c1", "m1"), ErrInFlight)

	require.NoError(t, f.o.Discard("c1", "m1"))
	require.ErrorIs(t, <-errc, ErrDiscarded)

	f.o.HandleAck(ackFor(event.SendMessage{ConversationID: "c1", ClientMessageID: "m1"}))
	require.False(t, f.o.Confirm("m1", chat.Message{ConversationID: "c1"}))
	require.Zero(t, published)
	require.Empty(t, f.confirmed())

	require.ErrorIs(t, f.o.Discard("c1", "m1"), pending.ErrNotFound)
}

func TestCancelledAttemptReturnsToPending(t *testing.T) {
	f := newFixture(t, true, Options{AckTimeout: 5 * time.Second})
	f.sender.setMode("c1", replyDrop)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(ctx, "c1", "x")
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(f.sender.sentIDs()) == 1 }, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errc, context.Canceled)
	msg := f.get(t, "c1", "m1")
	require.Equal(t, chat.StatusPending, msg.Status)
	require.Zero(t, msg.RetryCount)
}

func TestStartRoutesFramesFromTransport(t *testing.T) {
	f := newFixture(t, false, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.o.Start(ctx)

	_, err := f.store.Save(chat.PendingMessage{ID: "local", ConversationID: "c1", Content: "x", Status: chat.StatusSending})
	require.NoError(t, err)

	env, err := event.NewEnvelope(event.FrameAck, ackFor(event.SendMessage{ConversationID: "c1", ClientMessageID: "local"}))
	require.NoError(t, err)
	f.bus.Publish(transport.FrameTopic(event.FrameAck), env)

	_, err = f.store.Get("c1", "local")
	require.ErrorIs(t, err, pending.ErrNotFound)

	cancel()
	<-f.o.Done()
}

func TestKindOfIgnoresForeignErrors(t *testing.T) {
	_, ok := KindOf(errors.New("x"))
	require.False(t, ok)
	require.Equal(t, KindUnauthorized, kindForCode(event.CodeUnauthorized))
	require.Equal(t, KindTransportRejected, kindForCode(event.CodeRateLimited))
	require.True(t, KindOffline.Retryable())
	require.False(t, KindValidationRejected.Retryable())
}
