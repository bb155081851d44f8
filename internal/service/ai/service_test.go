package ai

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

type fakeChatModel struct {
	chunks []string
	seen   []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.seen = input
	return schema.AssistantMessage(strings.Join(f.chunks, ""), nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.seen = input
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (f *fakeChatModel) BindTools(_ []*schema.ToolInfo) error { return nil }

func drain(t *testing.T, stream *schema.StreamReader[*schema.Message]) string {
	t.Helper()
	defer stream.Close()
	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return b.String()
		}
		if err != nil {
			t.Fatalf("Recv err: %v", err)
		}
		b.WriteString(chunk.Content)
	}
}

func TestStreamCompletionStreamsChunks(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"Hello", " ", "world"}}
	svc, err := NewServiceWithModel(context.Background(), fake, config.AIConfig{StreamResponse: true})
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}

	stream, err := svc.StreamCompletion(context.Background(), "c1", nil, "hi")
	if err != nil {
		t.Fatalf("StreamCompletion err: %v", err)
	}
	if got := drain(t, stream); got != "Hello world" {
		t.Fatalf("expected Hello world, got %q", got)
	}
}

func TestStreamCompletionWithoutStreamingReturnsSingleChunk(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"a", "b"}}
	svc, err := NewServiceWithModel(context.Background(), fake, config.AIConfig{StreamResponse: false})
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}

	stream, err := svc.StreamCompletion(context.Background(), "c1", nil, "hi")
	if err != nil {
		t.Fatalf("StreamCompletion err: %v", err)
	}
	if got := drain(t, stream); got != "ab" {
		t.Fatalf("expected ab, got %q", got)
	}
}

func TestBuildHistoryMessagesKeepsRecentTurns(t *testing.T) {
	svc := &Service{historyLimit: 2}
	history := []chat.Message{
		{Role: chat.RoleUser, Content: "1"},
		{Role: chat.RoleAssistant, Content: "2"},
		{Role: chat.RoleUser, Content: "3"},
	}

	got := svc.buildHistoryMessages(history)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Role != schema.Assistant || got[0].Content != "2" {
		t.Fatalf("unexpected first message: %+v", got[0])
	}
	if got[1].Role != schema.User || got[1].Content != "3" {
		t.Fatalf("unexpected second message: %+v", got[1])
	}
}
