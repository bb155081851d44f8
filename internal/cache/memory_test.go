package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryGetOrComputeCachesValue(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrCompute(ctx, "conv:1:messages", time.Minute, compute)
		if err != nil {
			t.Fatalf("GetOrCompute err: %v", err)
		}
		if string(got) != "v" {
			t.Fatalf("expected v, got %s", got)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 compute call, got %d", calls)
	}
}

func TestMemoryExpiresAfterTTL(t *testing.T) {
	c := NewMemory()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()
	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}

	_, _ = c.GetOrCompute(ctx, "k", time.Second, compute)
	now = now.Add(2 * time.Second)
	_, _ = c.GetOrCompute(ctx, "k", time.Second, compute)

	if calls != 2 {
		t.Fatalf("expected recompute after ttl, got %d calls", calls)
	}
}

func TestMemoryInvalidatePattern(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	fill := func(context.Context) ([]byte, error) { return []byte("x"), nil }

	_, _ = c.GetOrCompute(ctx, MessagesKey("a"), time.Minute, fill)
	_, _ = c.GetOrCompute(ctx, "conv:a:pins", time.Minute, fill)
	_, _ = c.GetOrCompute(ctx, MessagesKey("b"), time.Minute, fill)

	if err := c.Invalidate(ctx, ConversationPattern("a")); err != nil {
		t.Fatalf("Invalidate err: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected only conv b to remain, got %d entries", c.Len())
	}
}

func TestGetOrComputeJSONPropagatesError(t *testing.T) {
	c := NewMemory()
	boom := errors.New("boom")
	_, err := GetOrComputeJSON(context.Background(), c, "k", time.Minute, func(context.Context) ([]string, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("failed compute must not fill the cache")
	}
}
