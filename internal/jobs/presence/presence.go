// Package presence keeps the shared presence mirror fresh. It refreshes entries of sessions
// attached to this instance and drops entries left behind by instances that died.
package presence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unimatch/backend/internal/domain/model"
)

const (
	defaultInterval  = 30 * time.Second
	defaultRetention = 2 * time.Minute
)

type SessionSource interface {
	Snapshot() []model.Session
}

type Store interface {
	Touch(ctx context.Context, userID int64, sessionIDs []string, at time.Time) error
	SweepStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type Job struct {
	sessions  SessionSource
	store     Store
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func New(sessions SessionSource, store Store, interval, retention time.Duration, logger *zap.Logger) *Job {
	if interval <= 0 {
		interval = defaultInterval
	}
	if retention <= interval {
		retention = max(defaultRetention, 2*interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		sessions:  sessions,
		store:     store,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

// Run performs one refresh and sweep pass.
func (j *Job) Run(ctx context.Context) error {
	if j.sessions == nil || j.store == nil {
		return nil
	}

	now := j.now()
	byUser := make(map[int64][]string)
	for _, s := range j.sessions.Snapshot() {
		byUser[s.UserID] = append(byUser[s.UserID], s.ID)
	}
	for userID, ids := range byUser {
		if err := j.store.Touch(ctx, userID, ids, now); err != nil {
			return fmt.Errorf("touch presence of user %d: %w", userID, err)
		}
	}

	swept, err := j.store.SweepStale(ctx, now.Add(-j.retention))
	if err != nil {
		return fmt.Errorf("sweep stale presence: %w", err)
	}
	if swept > 0 {
		j.logger.Info("presence sweep completed", zap.Int64("removed", swept))
	}
	return nil
}

// Start runs the job every interval until ctx is done.
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Warn("presence job failed", zap.Error(err))
			}
		}
	}
}
