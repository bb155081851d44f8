package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ComputeFunc produces the value for a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Cache is a cache-aside store with pattern-based invalidation.
// Patterns use glob syntax ("conv:123:*").
type Cache interface {
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error)
	Invalidate(ctx context.Context, pattern string) error
}

// GetOrComputeJSON wraps GetOrCompute with JSON encoding of T.
func GetOrComputeJSON[T any](ctx context.Context, c Cache, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := c.GetOrCompute(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return out, nil
}

// MessagesKey is the cache key of a conversation's message list.
func MessagesKey(conversationID string) string {
	return "conv:" + conversationID + ":messages"
}

// ConversationPattern matches every key cached for a conversation.
func ConversationPattern(conversationID string) string {
	return "conv:" + conversationID + ":*"
}
