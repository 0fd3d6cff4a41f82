package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	presencePrefix   = "presence:user:"
	presenceIndexKey = "presence:users"
)

// PresenceRepo mirrors attached websocket sessions. Each user key is a sorted set of
// "<instance>/<session>" members scored by heartbeat time.
type PresenceRepo struct {
	client   *goredis.Client
	instance string
}

func NewPresenceRepo(client *goredis.Client, instance string) *PresenceRepo {
	return &PresenceRepo{client: client, instance: instance}
}

func (r *PresenceRepo) Add(ctx context.Context, userID int64, sessionID string, at time.Time) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if userID <= 0 || strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("invalid presence payload")
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, presenceKey(userID), goredis.Z{Score: float64(at.Unix()), Member: r.member(sessionID)})
	pipe.SAdd(ctx, presenceIndexKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add presence: %w", err)
	}
	return nil
}

func (r *PresenceRepo) Remove(ctx context.Context, userID int64, sessionID string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.ZRem(ctx, presenceKey(userID), r.member(sessionID)).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

// Touch refreshes the heartbeat score of live sessions.
func (r *PresenceRepo) Touch(ctx context.Context, userID int64, sessionIDs []string, at time.Time) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if len(sessionIDs) == 0 {
		return nil
	}

	members := make([]goredis.Z, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		members = append(members, goredis.Z{Score: float64(at.Unix()), Member: r.member(id)})
	}
	if err := r.client.ZAdd(ctx, presenceKey(userID), members...).Err(); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

func (r *PresenceRepo) CountOnline(ctx context.Context, userID int64) (int64, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	n, err := r.client.ZCard(ctx, presenceKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count presence: %w", err)
	}
	return n, nil
}

// SweepStale drops entries whose heartbeat is older than cutoff, across all instances,
// and returns the number of removed entries.
func (r *PresenceRepo) SweepStale(ctx context.Context, cutoff time.Time) (int64, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	users, err := r.client.SMembers(ctx, presenceIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list presence users: %w", err)
	}

	maxScore := strconv.FormatInt(cutoff.Unix()-1, 10)
	var removed int64
	for _, raw := range users {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			_ = r.client.SRem(ctx, presenceIndexKey, raw).Err()
			continue
		}

		n, err := r.client.ZRemRangeByScore(ctx, presenceKey(userID), "-inf", maxScore).Result()
		if err != nil {
			return removed, fmt.Errorf("sweep presence: %w", err)
		}
		removed += n

		left, err := r.client.ZCard(ctx, presenceKey(userID)).Result()
		if err != nil {
			return removed, fmt.Errorf("count presence: %w", err)
		}
		if left == 0 {
			if err := r.client.SRem(ctx, presenceIndexKey, raw).Err(); err != nil {
				return removed, fmt.Errorf("drop presence index: %w", err)
			}
		}
	}
	return removed, nil
}

func (r *PresenceRepo) member(sessionID string) string {
	if r.instance == "" {
		return sessionID
	}
	return r.instance + "/" + sessionID
}

func presenceKey(userID int64) string {
	return presencePrefix + strconv.FormatInt(userID, 10)
}
