package realtime

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-chat/backend/internal/metrics"
	"github.com/zhouzirui/z-chat/backend/internal/model/event"
)

// DefaultDirectWait bounds how long a direct frame waits for room in a full session queue.
const DefaultDirectWait = 2 * time.Second

// Scope selects how a relayed broadcast resolves its recipients.
type Scope string

const (
	ScopeUser Scope = "user"
	ScopeRoom Scope = "room"
)

// Broadcaster delivers mutation events to every session of a user or a room,
// except the session the mutation came from. Delivery never fails the caller.
type Broadcaster struct {
	registry   *Registry
	relay      Relay
	nodeID     string
	directWait time.Duration
}

// NewBroadcaster creates a broadcaster over registry. relay may be nil for a single node.
func NewBroadcaster(registry *Registry, relay Relay) *Broadcaster {
	return &Broadcaster{
		registry:   registry,
		relay:      relay,
		nodeID:     uuid.NewString(),
		directWait: DefaultDirectWait,
	}
}

// Registry exposes the underlying session registry.
func (b *Broadcaster) Registry() *Registry {
	return b.registry
}

// Start subscribes to the relay so broadcasts from other nodes reach local sessions.
func (b *Broadcaster) Start() error {
	if b.relay == nil {
		return nil
	}
	return b.relay.Subscribe(func(msg RelayMessage) {
		if msg.Node == b.nodeID {
			return
		}
		b.deliverLocal(msg.Scope, msg.Target, msg.Exclude, msg.Envelope, false)
	})
}

// BroadcastToUser delivers to all live sessions of userID other than excludeSessionID.
// It returns the number of local sessions the event was queued to.
func (b *Broadcaster) BroadcastToUser(ctx context.Context, userID string, t event.Type, payload any, excludeSessionID string) int {
	return b.broadcast(ctx, ScopeUser, userID, t, payload, excludeSessionID)
}

// BroadcastToRoom delivers to all sessions joined to conversationID other than excludeSessionID.
func (b *Broadcaster) BroadcastToRoom(ctx context.Context, conversationID string, t event.Type, payload any, excludeSessionID string) int {
	return b.broadcast(ctx, ScopeRoom, conversationID, t, payload, excludeSessionID)
}

// CloseRoom detaches every local session from a conversation that no longer exists.
func (b *Broadcaster) CloseRoom(conversationID string) {
	b.registry.CloseRoom(conversationID)
}

// SetDirectWait overrides DefaultDirectWait.
func (b *Broadcaster) SetDirectWait(d time.Duration) {
	b.directWait = d
}

// SendToSession pushes a direct frame (ack, chunk, done, error) to one session.
// Unlike broadcasts it waits up to the direct wait for queue space before dropping.
func (b *Broadcaster) SendToSession(sessionID string, t event.Type, payload any) bool {
	sink, ok := b.registry.sinkOf(sessionID)
	if !ok {
		return false
	}
	env, err := event.NewEnvelope(t, payload)
	if err != nil {
		log.Printf("[broadcast] encode %s for session=%s failed: %v", t, sessionID, err)
		return false
	}
	if ds, ok := sink.(DirectSink); ok {
		if ds.EnqueueWait(env, b.directWait) {
			return true
		}
	} else if sink.Enqueue(env) {
		return true
	}
	metrics.BroadcastDropped.WithLabelValues(string(t)).Inc()
	log.Printf("[broadcast] dropped direct %s for session=%s: queue full or closed", t, sessionID)
	return false
}

func (b *Broadcaster) broadcast(ctx context.Context, scope Scope, targetID string, t event.Type, payload any, exclude string) int {
	env, err := event.NewEnvelope(t, payload)
	if err != nil {
		log.Printf("[broadcast] encode %s failed: %v", t, err)
		return 0
	}

	delivered := b.deliverLocal(scope, targetID, exclude, env, true)

	if b.relay != nil {
		msg := RelayMessage{Node: b.nodeID, Scope: scope, Target: targetID, Exclude: exclude, Envelope: env}
		if err := b.relay.Publish(ctx, msg); err != nil {
			log.Printf("[broadcast] relay %s %s=%s failed: %v", t, scope, targetID, err)
		}
	}
	return delivered
}

func (b *Broadcaster) deliverLocal(scope Scope, targetID, exclude string, env event.Envelope, local bool) int {
	var (
		targets     []target
		originFound bool
	)
	switch scope {
	case ScopeUser:
		targets, originFound = b.registry.userTargets(targetID, exclude)
	case ScopeRoom:
		targets, originFound = b.registry.roomTargets(targetID, exclude)
	default:
		log.Printf("[broadcast] unknown scope %q", scope)
		return 0
	}

	if local && !originFound && b.relay == nil {
		// 来源会话已断开：向完整集合投递，而不是静默丢弃
		metrics.OriginUnresolved.Inc()
		log.Printf("[broadcast] origin session=%s unresolved for %s, delivering to full %s set", exclude, env.Type, scope)
	}

	delivered := 0
	for _, tgt := range targets {
		if tgt.sink.Enqueue(env) {
			delivered++
			metrics.BroadcastDelivered.WithLabelValues(string(env.Type)).Inc()
			continue
		}
		metrics.BroadcastDropped.WithLabelValues(string(env.Type)).Inc()
		log.Printf("[broadcast] dropped %s for session=%s: queue full or closed", env.Type, tgt.id)
	}
	return delivered
}
