// Package bus 提供按应用实例注入的发布订阅，替代全局事件总线。
package bus

import (
	"sync"
)

// Topics published by the client SDK.
const (
	TopicPendingChanged     = "pending.changed"
	TopicNetworkOnline      = "network.online"
	TopicNetworkOffline     = "network.offline"
	TopicNetworkReconnected = "network.reconnected"
	TopicTransportFrame     = "transport.frame"
	TopicDeliverySent       = "delivery.sent"
	TopicDeliveryFailed     = "delivery.failed"
	TopicSyncStatus         = "sync.status"
	TopicStateLocal         = "state.local"
	TopicStateChanged       = "state.changed"
)

// Handler receives a published payload.
type Handler func(payload any)

type subscriber struct {
	id uint64
	fn Handler
}

// Bus 是同步分发的主题总线；订阅回调在 Publish 的调用方 goroutine 中执行。
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscriber
}

// New 创建空总线
func New() *Bus {
	return &Bus{subs: make(map[string][]subscriber)}
}

// Subscribe 注册回调并返回取消函数；取消函数可重复调用。
func (b *Bus) Subscribe(topic string, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, s := range list {
				if s.id == id {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

// Publish 把 payload 分发给 topic 的全部订阅者。
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	list := make([]subscriber, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range list {
		s.fn(payload)
	}
}
