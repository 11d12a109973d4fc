package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for per-user connection counters.
	KeyPrefix = "presence:"

	// CounterTTL bounds how long a counter survives a gateway that died
	// without decrementing it. Live gateways push it forward with Refresh.
	CounterTTL = 2 * time.Hour
)

// disconnectScript decrements the counter and deletes it once it reaches
// zero, so counts shared by several gateways never go negative.
var disconnectScript = redis.NewScript(`
local n = redis.call("GET", KEYS[1])
if not n then
	return -1
end
n = tonumber(n) - 1
if n <= 0 then
	redis.call("DEL", KEYS[1])
	return 0
end
redis.call("SET", KEYS[1], n, "KEEPTTL")
return n
`)

// refreshScript extends the counter's TTL. A counter that expired while its
// owner was still connected is recreated at one.
var refreshScript = redis.NewScript(`
if redis.call("EXPIRE", KEYS[1], ARGV[1]) == 0 then
	redis.call("SET", KEYS[1], 1, "EX", ARGV[1])
	return 0
end
return 1
`)

// RedisCounter shares presence across gateway instances.
type RedisCounter struct {
	client *redis.Client
}

var _ Tracker = (*RedisCounter)(nil)

// NewRedisCounter creates a counter backed by client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Connect(ctx context.Context, userID string) (bool, error) {
	key := KeyPrefix + userID
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, CounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence: connect %s: %w", userID, err)
	}
	return incr.Val() == 1, nil
}

// Disconnect treats a missing counter as the last connection: the key only
// disappears early when it outlived its TTL, and the user must still go
// offline.
func (c *RedisCounter) Disconnect(ctx context.Context, userID string) (bool, error) {
	n, err := disconnectScript.Run(ctx, c.client, []string{KeyPrefix + userID}).Int64()
	if err != nil {
		return false, fmt.Errorf("presence: disconnect %s: %w", userID, err)
	}
	return n <= 0, nil
}

func (c *RedisCounter) Refresh(ctx context.Context, userID string) error {
	ttl := int64(CounterTTL / time.Second)
	if err := refreshScript.Run(ctx, c.client, []string{KeyPrefix + userID}, ttl).Err(); err != nil {
		return fmt.Errorf("presence: refresh %s: %w", userID, err)
	}
	return nil
}

func (c *RedisCounter) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := c.client.Get(ctx, KeyPrefix+userID).Int()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	return n > 0, nil
}
