package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBurstThenRefill(t *testing.T) {
	l := NewLocal()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	rule := Rule{Key: "t:", Limit: 3, Window: 3 * time.Second}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, _ := l.Allow(ctx, "u1", rule)
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "u2", rule)
	assert.True(t, ok, "identifiers have independent buckets")

	clock = clock.Add(time.Second)
	ok, _ = l.Allow(ctx, "u1", rule)
	assert.True(t, ok, "one token refills per second")
	ok, _ = l.Allow(ctx, "u1", rule)
	assert.False(t, ok)
}

func TestLocalZeroLimitDisables(t *testing.T) {
	l := NewLocal()
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "u", Rule{Key: "off:"})
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 0, l.Len())
}

func TestLocalPrunesIdleBuckets(t *testing.T) {
	l := NewLocal()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	rule := Rule{Key: "t:", Limit: 1, Window: time.Second}

	_, _ = l.Allow(context.Background(), "old", rule)
	clock = clock.Add(idleAfter + time.Minute)
	_, _ = l.Allow(context.Background(), "new", rule)
	assert.Equal(t, 1, l.Len())

	l.Forget("new", rule)
	assert.Equal(t, 0, l.Len())
}

func TestRuleFromRate(t *testing.T) {
	r := RuleFromRate("typing:", 2, 4)
	assert.Equal(t, 4, r.Limit)
	assert.Equal(t, 2*time.Second, r.Window)

	assert.Equal(t, 0, RuleFromRate("typing:", 0, 4).Limit)
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	l := NewLimiter(client, nil)
	rule := Rule{Key: "rl:test:" + time.Now().Format("150405.000000") + ":", Limit: 2, Window: time.Minute}
	t.Cleanup(func() { client.Del(ctx, rule.Key+"u1") })

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "u1", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	left, err := l.Remaining(ctx, "u1", rule)
	require.NoError(t, err)
	assert.Equal(t, 0, left)
}
