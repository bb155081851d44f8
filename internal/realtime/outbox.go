package realtime

import (
	"sync"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/event"
)

// Outbox 每连接独立的发送队列。广播写满时丢弃，直发帧最多等待一小段时间。
type Outbox struct {
	mu     sync.RWMutex
	ch     chan event.Envelope
	closed bool
}

// NewOutbox creates an outbox with the given buffer size.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{ch: make(chan event.Envelope, size)}
}

// Enqueue implements Sink.
func (o *Outbox) Enqueue(env event.Envelope) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- env:
		return true
	default:
		return false
	}
}

// EnqueueWait implements DirectSink. Close waits for in-flight calls, at most timeout.
func (o *Outbox) EnqueueWait(env event.Envelope, timeout time.Duration) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- env:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o.ch <- env:
		return true
	case <-timer.C:
		return false
	}
}

// C is drained by the connection's writer goroutine.
func (o *Outbox) C() <-chan event.Envelope {
	return o.ch
}

// Close stops accepting envelopes; pending ones stay readable.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}
