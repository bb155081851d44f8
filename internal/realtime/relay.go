package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zhouzirui/z-chat/backend/internal/model/event"
)

// RelayMessage carries a broadcast between server nodes. Exclude stays inside the cluster.
type RelayMessage struct {
	Node     string         `json:"node"`
	Scope    Scope          `json:"scope"`
	Target   string         `json:"target"`
	Exclude  string         `json:"exclude,omitempty"`
	Envelope event.Envelope `json:"envelope"`
}

// Relay fans broadcasts out to the other nodes of a deployment.
type Relay interface {
	Publish(ctx context.Context, msg RelayMessage) error
	Subscribe(handler func(RelayMessage)) error
	Close() error
}

// NatsConfig 客户端配置
type NatsConfig struct {
	Servers       []string
	Name          string
	Subject       string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsRelay 基于 NATS Core 发布订阅的跨节点广播
type NatsRelay struct {
	nc      *nats.Conn
	subject string

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNatsRelay 连接 NATS
func NewNatsRelay(cfg NatsConfig) (*NatsRelay, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.Subject == "" {
		cfg.Subject = "zchat.broadcast"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[relay] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[relay] reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NatsRelay{nc: nc, subject: cfg.Subject}, nil
}

func (r *NatsRelay) Publish(_ context.Context, msg RelayMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.nc.Publish(r.subject, data)
}

func (r *NatsRelay) Subscribe(handler func(RelayMessage)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return errors.New("relay already subscribed")
	}
	sub, err := r.nc.Subscribe(r.subject, func(m *nats.Msg) {
		var msg RelayMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Printf("[relay] invalid message: %v", err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.sub = sub
	return nil
}

// Close 释放资源（优雅关闭订阅与连接）
func (r *NatsRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
		r.sub = nil
	}
	return r.nc.Drain()
}
