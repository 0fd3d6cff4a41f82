package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type window struct {
	count     int64
	expiresAt time.Time
}

// RateRepo is a fixed-window counter store for single-instance deployments without redis.
type RateRepo struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

func NewRateRepo() *RateRepo {
	return &RateRepo{
		windows: make(map[string]window),
		now:     time.Now,
	}
}

func (r *RateRepo) IncrementWindow(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if key == "" || ttl <= 0 {
		return 0, 0, fmt.Errorf("invalid rate window payload")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = window{expiresAt: now.Add(ttl)}
	}
	w.count++
	r.windows[key] = w

	return w.count, w.expiresAt.Sub(now), nil
}
