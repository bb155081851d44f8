package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/backend/internal/cache"
	chathandler "github.com/zhouzirui/z-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/realtime"
	"github.com/zhouzirui/z-chat/backend/internal/repository"
	chatservice "github.com/zhouzirui/z-chat/backend/internal/service/chat"
)

type fakeGenerator struct {
	chunks []string
}

func (f fakeGenerator) StreamCompletion(_ context.Context, _ string, _ []chat.Message, _ string) (*schema.StreamReader[*schema.Message], error) {
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func setup(t *testing.T, gen chatservice.Generator) (*chi.Mux, *chatservice.Service) {
	t.Helper()
	broadcaster := realtime.NewBroadcaster(realtime.NewRegistry(), nil)
	svc := chatservice.NewService(repository.NewMemory(), cache.NewMemory(), broadcaster, gen, chatservice.Options{})

	r := chi.NewRouter()
	chathandler.New(svc).WithStream(New(svc).HandleTurn).RegisterRoutes(r)
	return r, svc
}

func streamRequest(r http.Handler, conversationID, message, clientID string) *httptest.ResponseRecorder {
	q := url.Values{"message": {message}, "clientMessageId": {clientID}}
	req := httptest.NewRequest(http.MethodGet, "/conversations/"+conversationID+"/stream?"+q.Encode(), nil)
	req.Header.Set(chathandler.HeaderUserID, "alice")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestHandleTurnStreamsAckChunksAndDone(t *testing.T) {
	r, svc := setup(t, fakeGenerator{chunks: []string{"Hi", " there"}})
	conv, err := svc.CreateConversation(context.Background(), chatservice.Origin{UserID: "alice"}, "c")
	if err != nil {
		t.Fatalf("CreateConversation err: %v", err)
	}

	resp := streamRequest(r, conv.ID, "hello", "client-1")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %s", ct)
	}

	body := resp.Body.String()
	order := []string{"event: ack", "event: chunk", `"text":"Hi"`, `"text":" there"`, "event: done", `"content":"Hi there"`}
	pos := 0
	for _, want := range order {
		idx := strings.Index(body[pos:], want)
		if idx < 0 {
			t.Fatalf("expected %q after offset %d in body:\n%s", want, pos, body)
		}
		pos += idx + len(want)
	}
}

func TestHandleTurnDuplicateDoesNotRegenerate(t *testing.T) {
	r, svc := setup(t, fakeGenerator{chunks: []string{"once"}})
	conv, _ := svc.CreateConversation(context.Background(), chatservice.Origin{UserID: "alice"}, "c")

	streamRequest(r, conv.ID, "hello", "dup")
	resp := streamRequest(r, conv.ID, "hello", "dup")

	if strings.Contains(resp.Body.String(), "event: chunk") {
		t.Fatalf("resubmission must not stream a second reply: %s", resp.Body.String())
	}
	msgs, err := svc.ListMessages(context.Background(), "alice", conv.ID)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestHandleTurnRequiresMessage(t *testing.T) {
	r, svc := setup(t, fakeGenerator{})
	conv, _ := svc.CreateConversation(context.Background(), chatservice.Origin{UserID: "alice"}, "c")

	resp := streamRequest(r, conv.ID, "", "x")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestHandleTurnWithoutAI(t *testing.T) {
	r, svc := setup(t, nil)
	conv, _ := svc.CreateConversation(context.Background(), chatservice.Origin{UserID: "alice"}, "c")

	resp := streamRequest(r, conv.ID, "hello", "x")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}
