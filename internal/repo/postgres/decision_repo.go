package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unimatch/backend/internal/domain/enums"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/repo"
)

type DecisionRepo struct {
	pool *pgxpool.Pool
}

func NewDecisionRepo(pool *pgxpool.Pool) *DecisionRepo {
	return &DecisionRepo{pool: pool}
}

// Upsert locks the existing row, skips equal writes and otherwise overwrites the direction.
func (r *DecisionRepo) Upsert(ctx context.Context, decision model.SwipeDecision) (enums.Direction, bool, error) {
	if decision.ActorUserID <= 0 || decision.TargetUserID <= 0 || !decision.Direction.Valid() {
		return "", false, fmt.Errorf("invalid decision payload")
	}

	var (
		previous enums.Direction
		changed  bool
	)
	err := WithTx(ctx, r.pool, func(txCtx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(txCtx, `
SELECT direction
FROM swipe_decisions
WHERE actor_user_id = $1 AND target_user_id = $2
FOR UPDATE
`, decision.ActorUserID, decision.TargetUserID).Scan(&previous)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock decision: %w", err)
		}
		if previous == decision.Direction {
			return nil
		}

		_, err = tx.Exec(txCtx, `
INSERT INTO swipe_decisions (actor_user_id, target_user_id, direction, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (actor_user_id, target_user_id)
DO UPDATE SET direction = EXCLUDED.direction, created_at = EXCLUDED.created_at
`, decision.ActorUserID, decision.TargetUserID, string(decision.Direction), decision.CreatedAt)
		if err != nil {
			return fmt.Errorf("upsert decision: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return previous, changed, nil
}

func (r *DecisionRepo) Get(ctx context.Context, actorUserID, targetUserID int64) (model.SwipeDecision, error) {
	if r.pool == nil {
		return model.SwipeDecision{}, fmt.Errorf("postgres pool is nil")
	}

	var decision model.SwipeDecision
	err := pgxscan.Get(ctx, r.pool, &decision, `
SELECT actor_user_id, target_user_id, direction, created_at
FROM swipe_decisions
WHERE actor_user_id = $1 AND target_user_id = $2
`, actorUserID, targetUserID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return model.SwipeDecision{}, repo.ErrNotFound
		}
		return model.SwipeDecision{}, fmt.Errorf("get decision: %w", err)
	}
	return decision, nil
}
