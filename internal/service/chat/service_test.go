package chat_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/cache"
	model "github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	"github.com/zhouzirui/z-chat/backend/internal/realtime"
	"github.com/zhouzirui/z-chat/backend/internal/repository"
	chat "github.com/zhouzirui/z-chat/backend/internal/service/chat"
)

type sink struct {
	mu   sync.Mutex
	envs []event.Envelope
}

func (s *sink) Enqueue(env event.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return true
}

func (s *sink) types() []event.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Type, 0, len(s.envs))
	for _, env := range s.envs {
		out = append(out, env.Type)
	}
	return out
}

type fakeGenerator struct {
	chunks []string
	err    error
}

func (f *fakeGenerator) StreamCompletion(_ context.Context, _ string, _ []model.Message, _ string) (*schema.StreamReader[*schema.Message], error) {
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

type failingCache struct {
	cache.Cache
}

func (failingCache) Invalidate(context.Context, string) error {
	return errors.New("redis down")
}

type chunkCollector struct {
	parts []string
}

func (c *chunkCollector) Chunk(text string) { c.parts = append(c.parts, text) }

type fixture struct {
	svc   *chat.Service
	repo  repository.Repository
	cache cache.Cache
	reg   *realtime.Registry
	sinks map[string]*sink
}

// newFixture registers alice with sessions s1..s3 and bob with s4.
func newFixture(t *testing.T, c cache.Cache, gen chat.Generator) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, repository.NewMemory(), c, gen)
}

func newFixtureWithRepo(t *testing.T, repo repository.Repository, c cache.Cache, gen chat.Generator) *fixture {
	t.Helper()
	if c == nil {
		c = cache.NewMemory()
	}
	reg := realtime.NewRegistry()
	sinks := map[string]*sink{}
	for id, user := range map[string]string{"s1": "alice", "s2": "alice", "s3": "alice", "s4": "bob"} {
		sk := &sink{}
		require.NoError(t, reg.RegisterSession(id, user, sk))
		sinks[id] = sk
	}
	svc := chat.NewService(repo, c, realtime.NewBroadcaster(reg, nil), gen, chat.Options{})
	return &fixture{svc: svc, repo: repo, cache: c, reg: reg, sinks: sinks}
}

func (f *fixture) join(t *testing.T, conversationID string, sessions ...string) {
	t.Helper()
	for _, s := range sessions {
		require.NoError(t, f.reg.JoinRoom(s, conversationID))
	}
}

var alice = chat.Origin{UserID: "alice", SessionID: "s1"}

// slowRepo 在读操作后加入延迟，放大并发请求之间的交错。
type slowRepo struct {
	*repository.Memory
	delay time.Duration
}

func (r slowRepo) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	conv, err := r.Memory.GetConversation(ctx, id)
	time.Sleep(r.delay)
	return conv, err
}

func (r slowRepo) GetMessage(ctx context.Context, id string) (model.Message, error) {
	msg, err := r.Memory.GetMessage(ctx, id)
	time.Sleep(r.delay)
	return msg, err
}

func TestCreateConversationBroadcastsToOtherSessions(t *testing.T) {
	f := newFixture(t, nil, nil)

	conv, err := f.svc.CreateConversation(context.Background(), alice, "  Trip  ")
	require.NoError(t, err)
	require.Equal(t, "Trip", conv.Title)
	require.Equal(t, "alice", conv.UserID)

	require.Empty(t, f.sinks["s1"].types())
	require.Equal(t, []event.Type{event.ConversationCreated}, f.sinks["s2"].types())
	require.Equal(t, []event.Type{event.ConversationCreated}, f.sinks["s3"].types())
	require.Empty(t, f.sinks["s4"].types())
}

func TestRenameConversationSendsPartialPatch(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "old")
	require.NoError(t, err)

	_, err = f.svc.RenameConversation(ctx, alice, conv.ID, "new")
	require.NoError(t, err)

	envs := f.sinks["s2"].envs
	require.Len(t, envs, 2)
	require.Equal(t, event.ConversationUpdated, envs[1].Type)
	require.Contains(t, string(envs[1].Data), `"title":"new"`)
	require.NotContains(t, string(envs[1].Data), "messageCount")
}

func TestRenameConversationOfAnotherUserIsForbidden(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "mine")
	require.NoError(t, err)

	_, err = f.svc.RenameConversation(ctx, chat.Origin{UserID: "bob", SessionID: "s4"}, conv.ID, "theirs")
	require.ErrorIs(t, err, chat.ErrForbidden)
}

func TestDeleteConversationHidesItAndClosesRoom(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "bye")
	require.NoError(t, err)
	f.join(t, conv.ID, "s1", "s2")

	require.NoError(t, f.svc.DeleteConversation(ctx, alice, conv.ID))

	_, err = f.svc.GetConversation(ctx, "alice", conv.ID)
	require.ErrorIs(t, err, chat.ErrConversationNotFound)
	require.Contains(t, f.sinks["s3"].types(), event.ConversationDeleted)

	info, ok := f.reg.Session("s2")
	require.True(t, ok)
	require.Empty(t, info.ConversationIDs)
}

func TestSubmitMessageIsIdempotentByClientID(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "c")
	require.NoError(t, err)
	f.join(t, conv.ID, "s1", "s2")

	first, created, err := f.svc.SubmitMessage(ctx, alice, conv.ID, "hello", "client-1")
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := f.svc.SubmitMessage(ctx, alice, conv.ID, "hello", "client-1")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	msgs, err := f.svc.ListMessages(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// s2 sees created + one message:new + one activity, never the duplicate.
	require.Equal(t, []event.Type{event.ConversationCreated, event.MessageNew, event.ConversationActivity}, f.sinks["s2"].types())
	require.Equal(t, []event.Type{event.ConversationCreated, event.ConversationActivity}, f.sinks["s3"].types())
	require.Empty(t, f.sinks["s1"].types())
}

func TestSubmitMessageConcurrentResubmissionStoresOnce(t *testing.T) {
	f := newFixtureWithRepo(t, slowRepo{Memory: repository.NewMemory(), delay: 5 * time.Millisecond}, nil, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "c")
	require.NoError(t, err)
	f.join(t, conv.ID, "s1", "s2")

	const attempts = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]struct{}{}
		created int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, isNew, err := f.svc.SubmitMessage(ctx, alice, conv.ID, "hi", "m1")
			if err != nil {
				t.Errorf("SubmitMessage err: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[msg.ID] = struct{}{}
			if isNew {
				created++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, created)
	require.Len(t, ids, 1, "every attempt must see the same stored message")

	msgs, err := f.svc.ListMessages(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	newCount := 0
	for _, typ := range f.sinks["s2"].types() {
		if typ == event.MessageNew {
			newCount++
		}
	}
	require.Equal(t, 1, newCount)
}

func TestSubmitMessageRejectsEmptyContent(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "c")
	require.NoError(t, err)

	_, _, err = f.svc.SubmitMessage(ctx, alice, conv.ID, "   ", "x")
	require.ErrorIs(t, err, chat.ErrInvalidInput)
}

func TestListMessagesSeesNewMessageAfterCachedRead(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "c")
	require.NoError(t, err)

	msgs, err := f.svc.ListMessages(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)

	_, _, err = f.svc.SubmitMessage(ctx, alice, conv.ID, "fresh", "c-1")
	require.NoError(t, err)

	msgs, err = f.svc.ListMessages(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestPinMessageLimitAndNoop(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "pins")
	require.NoError(t, err)
	f.join(t, conv.ID, "s1", "s2")

	var ids []string
	for i := 0; i < chat.MaxPinnedMessages+1; i++ {
		msg, _, err := f.svc.SubmitMessage(ctx, alice, conv.ID, fmt.Sprintf("m%d", i), fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	for _, id := range ids[:chat.MaxPinnedMessages] {
		pinned, err := f.svc.PinMessage(ctx, alice, conv.ID, id)
		require.NoError(t, err)
		require.True(t, pinned.Pinned)
	}

	before := len(f.sinks["s2"].types())

	_, err = f.svc.PinMessage(ctx, alice, conv.ID, ids[chat.MaxPinnedMessages])
	require.ErrorIs(t, err, chat.ErrPinLimitExceeded)

	again, err := f.svc.PinMessage(ctx, alice, conv.ID, ids[0])
	require.NoError(t, err, "re-pinning at the limit is a no-op, not a violation")
	require.True(t, again.Pinned)

	require.Len(t, f.sinks["s2"].types(), before, "rejected and no-op pins must not broadcast")

	_, err = f.svc.UnpinMessage(ctx, alice, conv.ID, ids[0])
	require.NoError(t, err)
	require.Equal(t, event.MessageUnpinned, f.sinks["s2"].types()[before])

	_, err = f.svc.PinMessage(ctx, alice, conv.ID, ids[chat.MaxPinnedMessages])
	require.NoError(t, err)
}

func TestPinMessageLimitHoldsUnderConcurrency(t *testing.T) {
	f := newFixtureWithRepo(t, slowRepo{Memory: repository.NewMemory(), delay: 5 * time.Millisecond}, nil, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "pins")
	require.NoError(t, err)
	f.join(t, conv.ID, "s1", "s2")

	const total = 2 * chat.MaxPinnedMessages
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		msg, _, err := f.svc.SubmitMessage(ctx, alice, conv.ID, fmt.Sprintf("m%d", i), fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.PinMessage(ctx, alice, conv.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, chat.ErrPinLimitExceeded):
				rejected++
			default:
				t.Errorf("unexpected pin error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	require.Equal(t, chat.MaxPinnedMessages, ok)
	require.Equal(t, total-chat.MaxPinnedMessages, rejected)

	msgs, err := f.svc.ListMessages(ctx, "alice", conv.ID)
	require.NoError(t, err)
	pinned := 0
	for _, m := range msgs {
		if m.Pinned {
			pinned++
		}
	}
	require.Equal(t, chat.MaxPinnedMessages, pinned)

	broadcasts := 0
	for _, typ := range f.sinks["s2"].types() {
		if typ == event.MessagePinned {
			broadcasts++
		}
	}
	require.Equal(t, chat.MaxPinnedMessages, broadcasts)
}

func TestPinMessageVisibleToFreshRead(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "c")
	require.NoError(t, err)
	msg, _, err := f.svc.SubmitMessage(ctx, alice, conv.ID, "keep", "c-1")
	require.NoError(t, err)

	_, err = f.svc.ListMessages(ctx, "alice", conv.ID)
	require.NoError(t, err)

	_, err = f.svc.PinMessage(ctx, alice, conv.ID, msg.ID)
	require.NoError(t, err)

	msgs, err := f.svc.ListMessages(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.True(t, msgs[0].Pinned)
}

func TestPinMessageFailsOpenWhenInvalidationFails(t *testing.T) {
	f := newFixture(t, failingCache{Cache: cache.NewMemory()}, nil)
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "c")
	require.NoError(t, err)
	msg, _, err := f.svc.SubmitMessage(ctx, alice, conv.ID, "keep", "c-1")
	require.NoError(t, err)

	pinned, err := f.svc.PinMessage(ctx, alice, conv.ID, msg.ID)
	require.NoError(t, err)
	require.True(t, pinned.Pinned)
}

func TestPinMessageFromOtherConversationNotFound(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a, err := f.svc.CreateConversation(ctx, alice, "a")
	require.NoError(t, err)
	b, err := f.svc.CreateConversation(ctx, alice, "b")
	require.NoError(t, err)
	msg, _, err := f.svc.SubmitMessage(ctx, alice, a.ID, "x", "c-1")
	require.NoError(t, err)

	_, err = f.svc.PinMessage(ctx, alice, b.ID, msg.ID)
	require.ErrorIs(t, err, chat.ErrMessageNotFound)
}

func TestRunTurnStreamsAndPersistsAssistant(t *testing.T) {
	f := newFixture(t, nil, &fakeGenerator{chunks: []string{"Hel", "lo"}})
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "c")
	require.NoError(t, err)
	f.join(t, conv.ID, "s1", "s2")

	userMsg, _, err := f.svc.SubmitMessage(ctx, alice, conv.ID, "hi", "c-1")
	require.NoError(t, err)

	collector := &chunkCollector{}
	done, err := f.svc.RunTurn(ctx, alice, userMsg, collector)
	require.NoError(t, err)
	require.Equal(t, []string{"Hel", "lo"}, collector.parts)
	require.Equal(t, "Hello", done.AssistantMessage.Content)
	require.Equal(t, model.RoleAssistant, done.AssistantMessage.Role)
	require.Equal(t, 2, done.Conversation.MessageCount)

	types := f.sinks["s2"].types()
	require.Equal(t, []event.Type{
		event.ConversationCreated,
		event.MessageNew,
		event.ConversationActivity,
		event.AITypingStart,
		event.MessageNew,
		event.ConversationActivity,
		event.AITypingStop,
	}, types)
	require.Empty(t, f.sinks["s1"].types())
}

func TestRunTurnWithoutGenerator(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.svc.RunTurn(context.Background(), alice, model.Message{ConversationID: "c"}, nil)
	require.ErrorIs(t, err, chat.ErrAIUnavailable)
}

func TestRunTurnStopsTypingOnGeneratorError(t *testing.T) {
	f := newFixture(t, nil, &fakeGenerator{err: errors.New("model offline")})
	ctx := context.Background()
	conv, err := f.svc.CreateConversation(ctx, alice, "c")
	require.NoError(t, err)
	f.join(t, conv.ID, "s1", "s2")
	userMsg, _, err := f.svc.SubmitMessage(ctx, alice, conv.ID, "hi", "c-1")
	require.NoError(t, err)

	_, err = f.svc.RunTurn(ctx, alice, userMsg, nil)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "model offline"))

	types := f.sinks["s2"].types()
	require.Equal(t, event.AITypingStop, types[len(types)-1])
}

func TestServiceUsesInjectedClock(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := chat.NewService(repository.NewMemory(), cache.NewMemory(), realtime.NewBroadcaster(realtime.NewRegistry(), nil), nil, chat.Options{
		Now: func() time.Time { return fixed },
	})

	conv, err := svc.CreateConversation(context.Background(), alice, "c")
	require.NoError(t, err)
	require.True(t, conv.CreatedAt.Equal(fixed))
}
