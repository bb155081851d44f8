// Package api 是会话 REST 接口的客户端。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/client/delivery"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

const (
	headerUserID    = "X-User-ID"
	headerSessionID = "X-Session-ID"
)

// StatusError 是服务端返回的非 2xx 响应。
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

// Options 客户端参数
type Options struct {
	BaseURL string
	UserID  string
	// SessionID 返回当前实时连接的会话标识，服务端据此排除本会话的广播回声。
	SessionID  func() string
	HTTPClient *http.Client
}

// Client REST 客户端
type Client struct {
	base      string
	userID    string
	sessionID func() string
	http      *http.Client
}

// New 创建客户端
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.SessionID == nil {
		opts.SessionID = func() string { return "" }
	}
	return &Client{
		base:      strings.TrimRight(opts.BaseURL, "/"),
		userID:    opts.UserID,
		sessionID: opts.SessionID,
		http:      opts.HTTPClient,
	}
}

// CreateConversation 创建会话
func (c *Client) CreateConversation(ctx context.Context, title string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := c.do(ctx, http.MethodPost, "/conversations", map[string]string{"title": title}, &conv)
	return conv, err
}

// ListConversations 列出会话
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var convs []chat.Conversation
	err := c.do(ctx, http.MethodGet, "/conversations", nil, &convs)
	return convs, err
}

// RenameConversation 重命名会话
func (c *Client) RenameConversation(ctx context.Context, conversationID, title string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := c.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(conversationID), map[string]string{"title": title}, &conv)
	return conv, err
}

// DeleteConversation 删除会话
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), nil, nil)
}

// ListMessages 读取会话消息
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var msgs []chat.Message
	err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &msgs)
	return msgs, err
}

// PinMessage 置顶消息
func (c *Client) PinMessage(ctx context.Context, conversationID, messageID string) (chat.Message, error) {
	var msg chat.Message
	err := c.do(ctx, http.MethodPost, pinPath(conversationID, messageID), nil, &msg)
	return msg, err
}

// UnpinMessage 取消置顶
func (c *Client) UnpinMessage(ctx context.Context, conversationID, messageID string) (chat.Message, error) {
	var msg chat.Message
	err := c.do(ctx, http.MethodDelete, pinPath(conversationID, messageID), nil, &msg)
	return msg, err
}

func pinPath(conversationID, messageID string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID) + "/pin"
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerUserID, c.userID)
	if sid := c.sessionID(); sid != "" {
		req.Header.Set(headerSessionID, sid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &delivery.Error{Kind: delivery.KindOffline, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return classify(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func classify(resp *http.Response) error {
	var body utils.ErrorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	serr := &StatusError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}

	var kind delivery.Kind
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = delivery.KindUnauthorized
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		kind = delivery.KindValidationRejected
	default:
		kind = delivery.KindTransportRejected
	}
	return &delivery.Error{Kind: kind, Err: serr}
}

// AsStatus 提取服务端状态错误
func AsStatus(err error) (*StatusError, bool) {
	var serr *StatusError
	ok := errors.As(err, &serr)
	return serr, ok
}
