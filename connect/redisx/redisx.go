// Package redisx is the optional cross-instance backpressure sink (§11): a
// fleet of raceway-server instances sharing one Redis can enforce a single
// ingest high-water-mark across the fleet, instead of each instance only
// seeing its own local admission queue.
package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces a per-trace admission count shared across instances via
// Redis INCR/EXPIRE, mirroring the single-process admission check in
// internal/store but keyed cluster-wide.
type Limiter struct {
	client *redis.Client
	window time.Duration
}

// New returns a Limiter backed by client. window bounds how long a trace's
// counter survives without new events before Redis expires it.
func New(client *redis.Client, window time.Duration) *Limiter {
	return &Limiter{client: client, window: window}
}

// Allow increments traceID's shared counter by n and reports whether the
// result stays within highWaterMark. The counter's expiry is refreshed on
// every call so an idle trace's count eventually resets.
func (l *Limiter) Allow(ctx context.Context, traceID string, n int64, highWaterMark int64) (bool, error) {
	key := limiterKey(traceID)
	count, err := l.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return false, err
	}
	if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
		return false, err
	}
	return count <= highWaterMark, nil
}

// Reset clears traceID's counter, used once a trace's events have been
// durably appended and the admission window can restart.
func (l *Limiter) Reset(ctx context.Context, traceID string) error {
	return l.client.Del(ctx, limiterKey(traceID)).Err()
}

func limiterKey(traceID string) string {
	return fmt.Sprintf("raceway:ingest:%s", traceID)
}
