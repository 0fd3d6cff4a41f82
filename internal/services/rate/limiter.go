// Package rate caps how fast one user may repeat an action, across every instance sharing the store.
package rate

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

type WindowStore interface {
	// IncrementWindow counts one hit on key and reports the hits so far and the time left in
	// the current window.
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type window struct {
	name  string
	size  time.Duration
	limit int64
}

// Limiter enforces a burst window (10s) and a sustained window (1m) per user and scope.
// A zero limit disables its window.
type Limiter struct {
	store   WindowStore
	scope   string
	windows []window
}

func NewLimiter(store WindowStore, scope string, perMinute, per10Sec int) *Limiter {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "default"
	}

	l := &Limiter{store: store, scope: scope}
	if per10Sec > 0 {
		l.windows = append(l.windows, window{name: "10s", size: 10 * time.Second, limit: int64(per10Sec)})
	}
	if perMinute > 0 {
		l.windows = append(l.windows, window{name: "min", size: time.Minute, limit: int64(perMinute)})
	}
	return l
}

// Allow counts one action for userID in every window. A denied action returns the seconds
// until the slowest exhausted window resets.
func (l *Limiter) Allow(ctx context.Context, userID int64) (int64, bool, error) {
	if userID <= 0 {
		return 0, false, errors.New("invalid user id")
	}
	if l.store == nil {
		return 0, false, errors.New("rate limiter store is nil")
	}

	var retryAfter int64
	for _, w := range l.windows {
		hits, left, err := l.store.IncrementWindow(ctx, l.key(w.name, userID), w.size)
		if err != nil {
			return 0, false, err
		}
		if hits > w.limit {
			retryAfter = max(retryAfter, wholeSeconds(left))
		}
	}
	return retryAfter, retryAfter == 0, nil
}

func (l *Limiter) key(window string, userID int64) string {
	return "rate:" + l.scope + ":" + window + ":" + strconv.FormatInt(userID, 10)
}

// wholeSeconds rounds up so a client never retries a moment too early.
func wholeSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64((d + time.Second - 1) / time.Second)
}
