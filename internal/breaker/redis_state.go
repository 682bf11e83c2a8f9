package breaker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisState shares breaker trip decisions across workers through Redis.
// Entries expire with the recovery window so a crashed worker can't wedge a
// service open forever.
type RedisState struct {
	client *redis.Client
}

// NewRedisState creates a Redis-backed shared breaker state.
func NewRedisState(client *redis.Client) *RedisState {
	return &RedisState{client: client}
}

type sharedEntry struct {
	State State     `json:"state"`
	Until time.Time `json:"until"`
}

func stateKey(service string) string { return "breaker:" + service }

// Publish writes the breaker state for a service.
func (s *RedisState) Publish(ctx context.Context, service string, state State, until time.Time) error {
	entry := sharedEntry{State: state, Until: until}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ttl := 5 * time.Minute
	if state == StateOpen {
		if d := time.Until(until); d > 0 {
			ttl = d + time.Minute
		}
	}
	return s.client.Set(ctx, stateKey(service), data, ttl).Err()
}

// Fetch reads the shared state for a service. A missing key returns an
// empty state with no error.
func (s *RedisState) Fetch(ctx context.Context, service string) (State, time.Time, error) {
	val, err := s.client.Get(ctx, stateKey(service)).Result()
	if err == redis.Nil {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	var entry sharedEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return "", time.Time{}, err
	}
	return entry.State, entry.Until, nil
}
