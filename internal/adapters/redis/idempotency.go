package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Idempotency stores the serialized HTTP response of a completed create,
// keyed by the client-supplied Idempotency-Key, so a retried create replays
// instead of reserving capacity twice.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

const idempKeyPrefix = "idemp:"

// IdempResponse is the replayable create outcome: HTTP status plus the exact
// body bytes that were sent.
type IdempResponse struct {
	Status int
	Result []byte
}

// Get returns nil, nil when the key has never been seen.
func (i *Idempotency) Get(ctx context.Context, key string) (*IdempResponse, error) {
	val, err := i.client.Get(ctx, idempKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp IdempResponse
	err = json.Unmarshal(val, &resp)
	return &resp, err
}

func (i *Idempotency) Set(ctx context.Context, key string, resp IdempResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.client.Set(ctx, idempKeyPrefix+key, data, ttl).Err()
}
