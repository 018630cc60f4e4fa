// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE window algorithm. Message sends are throttled per (user,
// conversation) so one noisy thread cannot starve a user's other
// conversations.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of events allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleSendMessage allows 30 message sends per minute per (user, conversation).
var RuleSendMessage = Rule{Key: "rl:msg:", Limit: 30, Window: 1 * time.Minute}

// SendKey builds the limiter identifier for a (user, conversation) pair.
func SendKey(userID, conversationID string) string {
	return userID + ":" + conversationID
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined
// by rule. It increments the counter in Redis and sets the expiry on first
// access.
//
// Returns true if the event is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does
// not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("ratelimit: redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL. Best effort: delete it so it
			// doesn't block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// RetryAfter returns how long until the identifier's current window expires,
// which is when a throttled sender may try again. Zero means no window is
// open. On Redis errors it returns zero so callers fall back to a default.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	key := rule.Key + identifier

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: redis TTL error key=%s: %v (failing open)", key, err)
		return 0, err
	}
	// Negative TTL: the key is missing or has no expiry set.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
