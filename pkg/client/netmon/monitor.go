// Package netmon 跟踪客户端的在线状态并在恢复连接时发出信号。
package netmon

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/zhouzirui/z-chat/backend/pkg/client/bus"
)

// Monitor 记录在线状态；只有观察到离线后再次上线才会发出 reconnected 信号。
type Monitor struct {
	mu          sync.Mutex
	online      bool
	sawOffline  bool
	bus         *bus.Bus
	reconnected chan struct{}
}

// New 创建监视器，initial 为启动时的在线状态。启动时离线不算作离线边沿，
// 第一次上线只发布 network.online。
func New(b *bus.Bus, initial bool) *Monitor {
	return &Monitor{
		online:      initial,
		bus:         b,
		reconnected: make(chan struct{}, 1),
	}
}

// IsOnline 返回当前在线状态
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Reconnected 在每次离线到在线的转换时收到一个信号；未被消费的信号会合并。
func (m *Monitor) Reconnected() <-chan struct{} {
	return m.reconnected
}

// SetOnline 由传输层回调或探测器调用。重复设置同一状态不会产生事件。
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fire := false
	if !online {
		m.sawOffline = true
	} else if m.sawOffline {
		m.sawOffline = false
		fire = true
	}
	m.mu.Unlock()

	if !online {
		log.Printf("[netmon] offline")
		m.publish(bus.TopicNetworkOffline)
		return
	}

	log.Printf("[netmon] online")
	m.publish(bus.TopicNetworkOnline)
	if fire {
		select {
		case m.reconnected <- struct{}{}:
		default:
		}
		m.publish(bus.TopicNetworkReconnected)
	}
}

func (m *Monitor) publish(topic string) {
	if m.bus != nil {
		m.bus.Publish(topic, m.IsOnline())
	}
}

// Probe 周期性请求健康检查地址驱动在线状态，直到 ctx 结束。
func (m *Monitor) Probe(ctx context.Context, client *http.Client, url string, interval time.Duration) {
	if client == nil {
		client = &http.Client{Timeout: interval}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.SetOnline(check(ctx, client, url))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func check(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
