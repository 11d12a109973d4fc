// Package ratelimit throttles per-identity actions: message sends and swipes
// per user, connection attempts per IP and typing signals per connection.
// Limiter shares counters across instances through Redis; Local keeps token
// buckets in process.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/logging"
)

// Rule defines a rate limiting policy: the key prefix, the maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:swipe:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Default rules. cmd/wsserver overrides the limits from configuration.
var (
	// RuleMessage allows 30 messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 30, Window: 10 * time.Second}

	// RuleSwipe allows 100 swipes per minute per user.
	RuleSwipe = Rule{Key: "rl:swipe:", Limit: 100, Window: time.Minute}

	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// RuleFromRate expresses a steady rate with a burst as a Rule.
func RuleFromRate(key string, perSecond float64, burst int) Rule {
	if perSecond <= 0 || burst <= 0 {
		return Rule{Key: key}
	}
	return Rule{Key: key, Limit: burst, Window: time.Duration(float64(burst) / perSecond * float64(time.Second))}
}

// Checker is implemented by Limiter and Local.
type Checker interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// Limiter performs fixed-window checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *zap.SugaredLogger
}

var _ Checker = (*Limiter)(nil)

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log *zap.SugaredLogger) *Limiter {
	return &Limiter{client: client, log: logging.OrNop(log)}
}

// Allow increments identifier's counter for rule and reports whether it is
// still within the limit. The expiry is set on the first increment of each
// window.
//
// On Redis errors Allow fails open (returns true with the error) so that a
// Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warnw("redis INCR failed, failing open", "key", key, "error", err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warnw("redis EXPIRE failed, failing open", "key", key, "error", err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests identifier has left in the current
// window. It returns the full limit when the key does not exist yet or Redis
// fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warnw("redis GET failed, failing open", "key", key, "error", err)
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}
