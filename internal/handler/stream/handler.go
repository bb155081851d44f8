package stream

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	chathandler "github.com/zhouzirui/z-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Handler manages streamed turns via Server-Sent Events for clients without a WebSocket.
type Handler struct {
	chatSvc *chatService.Service
}

// New creates a new stream handler
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// sseSink forwards chunks to the response until the client goes away.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	chunk   event.Chunk
	gone    bool
}

func (s *sseSink) Chunk(text string) {
	if s.gone {
		return
	}
	s.chunk.Text = text
	if err := utils.SendSSEEvent(s.w, s.flusher, string(event.FrameChunk), s.chunk); err != nil {
		log.Printf("[stream] client gone for conversation=%s: %v", s.chunk.ConversationID, err)
		s.gone = true
	}
}

// HandleTurn submits ?message= to the conversation and streams the assistant reply:
// one ack event, chunk events, then done or error.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	content := r.URL.Query().Get("message")
	clientMessageID := strings.TrimSpace(r.URL.Query().Get("clientMessageId"))

	if strings.TrimSpace(content) == "" {
		utils.RespondError(w, http.StatusBadRequest, event.CodeInvalid, "message query parameter is required")
		return
	}
	if !h.chatSvc.AIEnabled() {
		utils.RespondError(w, http.StatusServiceUnavailable, event.CodeInternal, "ai streaming unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, event.CodeInternal, "streaming unsupported")
		return
	}

	origin := chathandler.OriginFrom(r)
	userMsg, created, err := h.chatSvc.SubmitMessage(r.Context(), origin, conversationID, content, clientMessageID)
	if err != nil {
		chathandler.RespondServiceError(w, err)
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{
		w:       w,
		flusher: flusher,
		chunk:   event.Chunk{ConversationID: conversationID, ClientMessageID: clientMessageID},
	}
	if err := utils.SendSSEEvent(w, flusher, string(event.FrameAck), event.Ack{ClientMessageID: clientMessageID, Message: userMsg}); err != nil {
		sink.gone = true
	}
	if !created {
		return
	}

	// 客户端断开后仍完成生成与持久化
	done, err := h.chatSvc.RunTurn(context.WithoutCancel(r.Context()), origin, userMsg, sink)
	if sink.gone {
		return
	}
	if err != nil {
		log.Printf("[stream] turn for conversation=%s failed: %v", conversationID, err)
		utils.SendSSEEvent(w, flusher, string(event.FrameError), event.ErrorFrame{
			Code:            chatService.Code(err),
			Message:         err.Error(),
			ClientMessageID: clientMessageID,
		})
		return
	}
	if err := utils.SendSSEEvent(w, flusher, string(event.FrameDone), done); err != nil {
		log.Printf("[stream] send done failed: %v", err)
	}
}
