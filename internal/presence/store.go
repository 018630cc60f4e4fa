package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// snapshotPrefix is the Redis key prefix for presence hashes.
	snapshotPrefix = "presence:"

	// snapshotTTL bounds how long a stale snapshot survives a dead server.
	snapshotTTL = 24 * time.Hour

	upsertTimeout = 3 * time.Second
)

// Snapshot persists presence records to Redis so sibling services (ritual
// progression, notifications) can read visibility without calling into the
// realtime server. Writes are best-effort: the in-memory tracker is
// authoritative and a Redis outage must not block live traffic.
type Snapshot struct {
	client     *redis.Client
	serverName string
}

// NewSnapshot creates a presence snapshot store over the given Redis client.
func NewSnapshot(client *redis.Client, serverName string) *Snapshot {
	return &Snapshot{client: client, serverName: serverName}
}

// Upsert writes the user's presence hash and refreshes the TTL. Errors are
// logged and swallowed.
func (s *Snapshot) Upsert(userID string, status Status, typingIn string) {
	ctx, cancel := context.WithTimeout(context.Background(), upsertTimeout)
	defer cancel()

	key := snapshotPrefix + userID
	fields := map[string]interface{}{
		"status":       string(status),
		"typing_in":    typingIn,
		"server":       s.serverName,
		"last_seen_at": time.Now().Unix(),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("presence: snapshot upsert failed user=%s: %v", userID, err)
	}
}

// Get reads a user's persisted presence. Returns offline for users with no
// snapshot.
func (s *Snapshot) Get(ctx context.Context, userID string) (Record, error) {
	key := snapshotPrefix + userID
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("presence: snapshot get %s: %w", userID, err)
	}
	if len(vals) == 0 {
		return Record{UserID: userID, Status: StatusOffline}, nil
	}

	rec := Record{
		UserID:               userID,
		Status:               Status(vals["status"]),
		TypingInConversation: vals["typing_in"],
	}
	return rec, nil
}

// Delete removes a user's snapshot (graceful shutdown cleanup).
func (s *Snapshot) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, snapshotPrefix+userID).Err()
}
