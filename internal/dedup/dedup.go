// Package dedup remembers which delivery event ids have already been
// acknowledged so redelivered events are not processed twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/redis"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store records acknowledged event ids for a bounded time.
type Store interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

const keyPrefix = "docflow:event:"

// Redis keeps marks in Redis so every ingestor replica shares them.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Seen(ctx context.Context, eventID string) (bool, error) {
	ok, err := r.client.Exists(ctx, keyPrefix+eventID)
	if err != nil {
		return false, fmt.Errorf("checking event %s: %w", eventID, err)
	}
	return ok, nil
}

func (r *Redis) Mark(ctx context.Context, eventID string) error {
	if _, err := r.client.SetNX(ctx, keyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), r.ttl); err != nil {
		return fmt.Errorf("marking event %s: %w", eventID, err)
	}
	return nil
}

// Local keeps marks in a size-bounded in-process cache. It is used when no
// Redis is configured; marks are lost on restart.
type Local struct {
	cache *expirable.LRU[string, time.Time]
}

func NewLocal(size int, ttl time.Duration) *Local {
	if size <= 0 {
		size = 10000
	}
	return &Local{cache: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

func (l *Local) Seen(_ context.Context, eventID string) (bool, error) {
	return l.cache.Contains(eventID), nil
}

func (l *Local) Mark(_ context.Context, eventID string) error {
	l.cache.Add(eventID, time.Now())
	return nil
}
