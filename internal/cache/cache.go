// Package cache wraps the Redis-backed ephemeral state: short-TTL
// presence keys and the cross-process broadcast channel the market engine
// uses to fan biome price updates out to every hub instance.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the ephemeral-state adapter: presence storage plus pub/sub.
type Cache struct {
	rdb *redis.Client
}

// Open parses a Redis URL and returns a connected Cache. The connection is
// lazy (go-redis dials on first use); callers should still Ping at startup
// to fail fast when the cache is unreachable.
func Open(url string) (*Cache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache url: %w", err)
	}
	return &Cache{rdb: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity with a short deadline.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error { return c.rdb.Close() }

// presence key shape: "presence/<userID>" -> JSON{online,x,y,lastSeen}, TTL
// refreshed on every heartbeat so a crashed hub's presence rows expire on
// their own instead of needing an explicit reaper.
const presenceKeyPrefix = "presence/"

func presenceKey(userID string) string { return presenceKeyPrefix + userID }

// PresenceRecord is the ephemeral snapshot cache.SetPresence stores.
type PresenceRecord struct {
	Online   bool      `json:"online"`
	X        int       `json:"x"`
	Y        int       `json:"y"`
	LastSeen time.Time `json:"last_seen"`
}

// SetPresence writes a user's presence record with the given TTL.
func (c *Cache) SetPresence(ctx context.Context, userID string, rec PresenceRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	return c.rdb.Set(ctx, presenceKey(userID), data, ttl).Err()
}

// GetPresence reads a user's presence record. ok is false if the key has
// expired or was never set (treated as offline/unknown by callers).
func (c *Cache) GetPresence(ctx context.Context, userID string) (rec PresenceRecord, ok bool, err error) {
	data, err := c.rdb.Get(ctx, presenceKey(userID)).Bytes()
	if err == redis.Nil {
		return PresenceRecord{}, false, nil
	}
	if err != nil {
		return PresenceRecord{}, false, fmt.Errorf("get presence: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return PresenceRecord{}, false, fmt.Errorf("unmarshal presence: %w", err)
	}
	return rec, true, nil
}

// DeletePresence removes a presence record immediately (used once the
// offline grace period elapses with no reconnect).
func (c *Cache) DeletePresence(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, presenceKey(userID)).Err()
}

// AllOnlineUserIDs scans for every presence key currently set, used by
// presence.Nearby as the candidate set before filtering by distance.
func (c *Cache) AllOnlineUserIDs(ctx context.Context) ([]string, error) {
	var out []string
	iter := c.rdb.Scan(ctx, 0, presenceKeyPrefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(presenceKeyPrefix):])
	}
	return out, iter.Err()
}

// BiomeMarketUpdateChannel is the pub/sub channel the market engine
// publishes redistribution cycle results on; every hub instance subscribes
// for fan-out to connected clients.
const BiomeMarketUpdateChannel = "biome_market_update"

// Publish marshals v as JSON and publishes it on the given channel.
func (c *Cache) Publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}
	return c.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe returns a channel of raw JSON payloads published to channel.
// Callers unmarshal into their own envelope type. The subscription is torn
// down when ctx is cancelled.
func (c *Cache) Subscribe(ctx context.Context, channel string) <-chan []byte {
	sub := c.rdb.Subscribe(ctx, channel)
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
