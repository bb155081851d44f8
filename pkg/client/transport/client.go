// Package transport 维护到服务端的 WebSocket 连接，断线后线性退避重连。
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	"github.com/zhouzirui/z-chat/backend/pkg/client/bus"
)

var ErrNotConnected = errors.New("transport not connected")

const (
	readTimeout  = 70 * time.Second
	writeTimeout = 10 * time.Second
)

// StatusSink 接收连接状态变化，通常是 netmon.Monitor。
type StatusSink interface {
	SetOnline(online bool)
}

// Options 连接参数
type Options struct {
	URL              string
	UserID           string
	HandshakeTimeout time.Duration
	RetryStep        time.Duration
	MaxRetryDelay    time.Duration
}

// Client 是单条逻辑连接；Run 负责建立与重建，Send 在任意 goroutine 中调用。
type Client struct {
	opts   Options
	bus    *bus.Bus
	status StatusSink

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string

	writeMu sync.Mutex
}

// New 创建客户端
func New(opts Options, b *bus.Bus, status StatusSink) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.RetryStep <= 0 {
		opts.RetryStep = time.Second
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 10 * time.Second
	}
	return &Client{opts: opts, bus: b, status: status}
}

// FrameTopic 返回某类服务端帧在总线上的主题。
func FrameTopic(t event.Type) string {
	return bus.TopicTransportFrame + "." + string(t)
}

// On 订阅某类服务端帧
func (c *Client) On(t event.Type, fn func(event.Envelope)) func() {
	return c.bus.Subscribe(FrameTopic(t), func(p any) {
		if env, ok := p.(event.Envelope); ok {
			fn(env)
		}
	})
}

// SessionID 返回服务端分配的当前会话标识；未连接时为空。
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connected 报告连接是否可用
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run 建立连接并持续读取，断线后线性退避重连，直到 ctx 结束。
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			delay := time.Duration(attempt) * c.opts.RetryStep
			if delay > c.opts.MaxRetryDelay {
				delay = c.opts.MaxRetryDelay
			}
			log.Printf("[transport] dial failed (attempt %d), retrying in %s: %v", attempt, delay, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("userId", c.opts.UserID)
	u.RawQuery = q.Encode()

	dialer := &websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	header := http.Header{}
	header.Set("X-User-ID", c.opts.UserID)

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.sessionID = ""
		c.mu.Unlock()
		conn.Close()
		if c.status != nil {
			c.status.SetOnline(false)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		var env event.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil {
				log.Printf("[transport] connection lost: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if env.Type == event.FrameConnected {
			var connected event.Connected
			if err := decode(env, &connected); err == nil {
				c.mu.Lock()
				c.sessionID = connected.SessionID
				c.mu.Unlock()
			}
			if c.status != nil {
				c.status.SetOnline(true)
			}
		}

		c.bus.Publish(bus.TopicTransportFrame, env)
		c.bus.Publish(FrameTopic(env.Type), env)
	}
}

// Send 写出一帧；未连接时返回 ErrNotConnected。
func (c *Client) Send(ctx context.Context, frame event.Inbound) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send %s: %w", frame.Type, err)
	}
	return nil
}
