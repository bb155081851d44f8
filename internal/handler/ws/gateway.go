package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	"github.com/zhouzirui/z-chat/backend/internal/realtime"
	chatservice "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Gateway WebSocket 网关：每个连接对应一个会话
type Gateway struct {
	chatSvc     *chatservice.Service
	broadcaster *realtime.Broadcaster
	cfg         config.RealtimeConfig
	upgrader    websocket.Upgrader
}

// NewGateway 创建网关
func NewGateway(chatSvc *chatservice.Service, broadcaster *realtime.Broadcaster, cfg config.RealtimeConfig) *Gateway {
	return &Gateway{
		chatSvc:     chatSvc,
		broadcaster: broadcaster,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (g *Gateway) RegisterRoutes(r chi.Router) {
	r.Get("/ws", g.handleWebSocket)
}

type connection struct {
	sessionID string
	userID    string
	limiter   *rate.Limiter
}

func (c *connection) origin() chatservice.Origin {
	return chatservice.Origin{UserID: c.userID, SessionID: c.sessionID}
}

// handleWebSocket 处理WebSocket连接
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = strings.TrimSpace(r.URL.Query().Get("userId"))
	}
	if userID == "" {
		utils.RespondError(w, http.StatusUnauthorized, event.CodeUnauthorized, "user id is required")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	state := &connection{
		sessionID: uuid.NewString(),
		userID:    userID,
		limiter:   rate.NewLimiter(rate.Limit(g.cfg.InboundRate), g.cfg.InboundBurst),
	}

	outbox := realtime.NewOutbox(g.cfg.OutboxSize)
	registry := g.broadcaster.Registry()
	if err := registry.RegisterSession(state.sessionID, userID, outbox); err != nil {
		log.Printf("[websocket] register session failed: %v", err)
		return
	}
	defer func() {
		registry.UnregisterSession(state.sessionID)
		outbox.Close()
		log.Printf("[websocket] session %s closed (user=%s)", state.sessionID, userID)
	}()

	log.Printf("[websocket] new session %s for user %s", state.sessionID, userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go g.writeLoop(ctx, cancel, conn, outbox)

	g.broadcaster.SendToSession(state.sessionID, event.FrameConnected, event.Connected{
		SessionID: state.sessionID,
		UserID:    userID,
	})

	for {
		var msg event.Inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if !state.limiter.Allow() {
			g.sendError(state.sessionID, event.CodeRateLimited, "too many frames", "")
			continue
		}

		g.handleMessage(ctx, state, &msg)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, state *connection, msg *event.Inbound) {
	switch msg.Type {
	case event.ActionSendMessage:
		g.handleSendMessage(ctx, state, msg.Data)
	case event.ActionStartTyping:
		g.handleTyping(ctx, state, msg.Data, event.AITypingStart)
	case event.ActionStopTyping:
		g.handleTyping(ctx, state, msg.Data, event.AITypingStop)
	case event.ActionJoinConversation:
		g.handleJoin(ctx, state, msg.Data)
	case event.ActionLeaveConversation:
		var action event.ConversationAction
		if err := json.Unmarshal(msg.Data, &action); err != nil || action.ConversationID == "" {
			g.sendError(state.sessionID, event.CodeInvalid, "invalid leaveConversation payload", "")
			return
		}
		if err := g.broadcaster.Registry().LeaveRoom(state.sessionID, action.ConversationID); err != nil {
			log.Printf("[websocket] leave room failed: %v", err)
		}
	default:
		g.sendError(state.sessionID, event.CodeInvalid, "unsupported message type: "+msg.Type, "")
	}
}

func (g *Gateway) handleSendMessage(ctx context.Context, state *connection, raw json.RawMessage) {
	var req event.SendMessage
	if err := json.Unmarshal(raw, &req); err != nil {
		g.sendError(state.sessionID, event.CodeInvalid, "invalid sendMessage payload", "")
		return
	}
	if req.ConversationID == "" || req.ClientMessageID == "" {
		g.sendError(state.sessionID, event.CodeValidation, "conversationId and clientMessageId are required", req.ClientMessageID)
		return
	}
	for _, a := range req.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			g.sendError(state.sessionID, event.CodeValidation, "attachment url is required", req.ClientMessageID)
			return
		}
	}

	msg, created, err := g.chatSvc.SubmitMessage(ctx, state.origin(), req.ConversationID, req.Content, req.ClientMessageID, req.Attachments...)
	if err != nil {
		log.Printf("[websocket] submit message session=%s client=%s failed: %v", state.sessionID, req.ClientMessageID, err)
		g.sendError(state.sessionID, chatservice.Code(err), err.Error(), req.ClientMessageID)
		return
	}

	// 发送方自动加入会话房间，便于接收后续的置顶与输入状态事件
	if err := g.broadcaster.Registry().JoinRoom(state.sessionID, req.ConversationID); err != nil {
		log.Printf("[websocket] auto join failed: %v", err)
	}

	g.broadcaster.SendToSession(state.sessionID, event.FrameAck, event.Ack{
		ClientMessageID: req.ClientMessageID,
		Message:         msg,
	})

	if !created || !g.chatSvc.AIEnabled() {
		return
	}

	go g.runTurn(context.WithoutCancel(ctx), state, msg)
}

type sessionSink struct {
	broadcaster     *realtime.Broadcaster
	sessionID       string
	conversationID  string
	clientMessageID string
}

func (s sessionSink) Chunk(text string) {
	s.broadcaster.SendToSession(s.sessionID, event.FrameChunk, event.Chunk{
		ConversationID:  s.conversationID,
		ClientMessageID: s.clientMessageID,
		Text:            text,
	})
}

// runTurn 在连接断开后仍会完成生成并持久化
func (g *Gateway) runTurn(ctx context.Context, state *connection, userMsg chat.Message) {
	sink := sessionSink{
		broadcaster:     g.broadcaster,
		sessionID:       state.sessionID,
		conversationID:  userMsg.ConversationID,
		clientMessageID: userMsg.ClientMessageID,
	}
	done, err := g.chatSvc.RunTurn(ctx, state.origin(), userMsg, sink)
	if err != nil {
		log.Printf("[websocket] turn for conversation=%s failed: %v", userMsg.ConversationID, err)
		g.sendError(state.sessionID, chatservice.Code(err), fmt.Sprintf("generation failed: %v", err), userMsg.ClientMessageID)
		return
	}
	g.broadcaster.SendToSession(state.sessionID, event.FrameDone, done)
}

func (g *Gateway) handleTyping(ctx context.Context, state *connection, raw json.RawMessage, t event.Type) {
	var action event.ConversationAction
	if err := json.Unmarshal(raw, &action); err != nil || action.ConversationID == "" {
		g.sendError(state.sessionID, event.CodeInvalid, "invalid typing payload", "")
		return
	}
	if _, err := g.chatSvc.GetConversation(ctx, state.userID, action.ConversationID); err != nil {
		g.sendError(state.sessionID, chatservice.Code(err), err.Error(), "")
		return
	}
	g.broadcaster.BroadcastToRoom(ctx, action.ConversationID, t, event.Typing{
		ConversationID: action.ConversationID,
		Actor:          string(chat.RoleUser),
	}, state.sessionID)
}

func (g *Gateway) handleJoin(ctx context.Context, state *connection, raw json.RawMessage) {
	var action event.ConversationAction
	if err := json.Unmarshal(raw, &action); err != nil || action.ConversationID == "" {
		g.sendError(state.sessionID, event.CodeInvalid, "invalid joinConversation payload", "")
		return
	}
	if _, err := g.chatSvc.GetConversation(ctx, state.userID, action.ConversationID); err != nil {
		g.sendError(state.sessionID, chatservice.Code(err), err.Error(), "")
		return
	}
	if err := g.broadcaster.Registry().JoinRoom(state.sessionID, action.ConversationID); err != nil {
		log.Printf("[websocket] join room failed: %v", err)
	}
}

func (g *Gateway) sendError(sessionID, code, message, clientMessageID string) {
	g.broadcaster.SendToSession(sessionID, event.FrameError, event.ErrorFrame{
		Code:            code,
		Message:         message,
		ClientMessageID: clientMessageID,
	})
}

// writeLoop 是连接唯一的写入方：转发出站队列并定期发送 ping
func (g *Gateway) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbox *realtime.Outbox) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer conn.Close()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case env, ok := <-outbox.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("[websocket] write %s failed: %v", env.Type, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
