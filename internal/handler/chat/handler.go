package chat

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
)

// Handler 会话与消息的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	stream  http.HandlerFunc
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// WithStream 挂载 SSE 轮次端点
func (h *Handler) WithStream(stream http.HandlerFunc) *Handler {
	h.stream = stream
	return h
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/", h.handleCreateConversation)
		r.Get("/", h.handleListConversations)
		r.Patch("/{conversationID}", h.handleRenameConversation)
		r.Delete("/{conversationID}", h.handleDeleteConversation)
		r.Get("/{conversationID}/messages", h.handleListMessages)
		r.Post("/{conversationID}/messages/{messageID}/pin", h.handlePin)
		r.Delete("/{conversationID}/messages/{messageID}/pin", h.handleUnpin)
		if h.stream != nil {
			r.Get("/{conversationID}/stream", h.stream)
		}
	})
}

// RequireUser 拒绝未携带用户标识的请求
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(HeaderUserID)) == "" {
			utils.RespondError(w, http.StatusUnauthorized, event.CodeUnauthorized, "X-User-ID header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OriginFrom 读取发起变更的用户与会话；会话标识用于广播排除。
func OriginFrom(r *http.Request) chatService.Origin {
	return chatService.Origin{
		UserID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
		SessionID: strings.TrimSpace(r.Header.Get(HeaderSessionID)),
	}
}

// RespondServiceError 将服务层错误映射为HTTP状态码
func RespondServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chatService.ErrConversationNotFound), errors.Is(err, chatService.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chatService.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, chatService.ErrPinLimitExceeded):
		status = http.StatusConflict
	case errors.Is(err, chatService.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, chatService.ErrAIUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Printf("[http] internal error: %v", err)
		utils.RespondError(w, status, event.CodeInternal, "internal error")
		return
	}
	utils.RespondError(w, status, chatService.Code(err), err.Error())
}

type titlePayload struct {
	Title string `json:"title"`
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var payload titlePayload
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(r, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, event.CodeInvalid, "invalid request body")
			return
		}
	}

	conv, err := h.chatSvc.CreateConversation(r.Context(), OriginFrom(r), payload.Title)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chatSvc.ListConversations(r.Context(), OriginFrom(r).UserID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, convs)
}

func (h *Handler) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var payload titlePayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, event.CodeInvalid, "invalid request body")
		return
	}

	conv, err := h.chatSvc.RenameConversation(r.Context(), OriginFrom(r), chi.URLParam(r, "conversationID"), payload.Title)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.DeleteConversation(r.Context(), OriginFrom(r), chi.URLParam(r, "conversationID")); err != nil {
		RespondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.chatSvc.ListMessages(r.Context(), OriginFrom(r).UserID, chi.URLParam(r, "conversationID"))
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handlePin(w http.ResponseWriter, r *http.Request) {
	msg, err := h.chatSvc.PinMessage(r.Context(), OriginFrom(r), chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"))
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, msg)
}

func (h *Handler) handleUnpin(w http.ResponseWriter, r *http.Request) {
	msg, err := h.chatSvc.UnpinMessage(r.Context(), OriginFrom(r), chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"))
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, msg)
}
