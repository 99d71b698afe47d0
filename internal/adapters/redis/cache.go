package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/desimealsnow/potluck-admission/internal/domain"
)

// Cache holds short-lived availability snapshots for the read path. Staleness
// is bounded by the TTL and is always conservative for readers: the mutating
// operations re-check capacity inside their own transaction regardless.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func availabilityKey(eventID string) string {
	return "avail:" + eventID
}

func (c *Cache) GetAvailability(ctx context.Context, eventID string) (*domain.Availability, error) {
	val, err := c.client.Get(ctx, availabilityKey(eventID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var avail domain.Availability
	if err := json.Unmarshal(val, &avail); err != nil {
		return nil, err
	}
	return &avail, nil
}

func (c *Cache) SetAvailability(ctx context.Context, eventID string, avail domain.Availability) error {
	data, err := json.Marshal(avail)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, availabilityKey(eventID), data, c.ttl).Err()
}

// Invalidate drops the snapshot after a capacity-affecting commit so the next
// read recomputes.
func (c *Cache) Invalidate(ctx context.Context, eventID string) error {
	return c.client.Del(ctx, availabilityKey(eventID)).Err()
}
