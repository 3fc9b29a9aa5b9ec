package poster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RunLock is a Redis advisory lock preventing overlapping posting runs,
// e.g. a manual run started while the scheduled one is still going.
type RunLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

func NewRunLock(client *redis.Client, key string, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RunLock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.New().String(),
	}
}

// Acquire returns false when another run currently holds the lock.
func (l *RunLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return ok, nil
}

// Release deletes the lock only when this instance still holds it, so an
// expired lock reclaimed by another run is left alone.
func (l *RunLock) Release(ctx context.Context) error {
	held, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check run lock: %w", err)
	}
	if held != l.token {
		return nil
	}
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}
