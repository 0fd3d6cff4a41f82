package memory

import (
	"context"
	"fmt"

	"github.com/unimatch/backend/internal/domain/enums"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/repo"
)

type DecisionRepo struct {
	db *DB
}

func NewDecisionRepo(db *DB) *DecisionRepo {
	return &DecisionRepo{db: db}
}

func (r *DecisionRepo) Upsert(_ context.Context, decision model.SwipeDecision) (enums.Direction, bool, error) {
	if decision.ActorUserID <= 0 || decision.TargetUserID <= 0 || !decision.Direction.Valid() {
		return "", false, fmt.Errorf("invalid decision payload")
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	key := decisionKey{actor: decision.ActorUserID, target: decision.TargetUserID}
	prev, ok := r.db.decisions[key]
	if ok && prev.Direction == decision.Direction {
		return prev.Direction, false, nil
	}

	r.db.decisions[key] = decision
	if !ok {
		return "", true, nil
	}
	return prev.Direction, true, nil
}

func (r *DecisionRepo) Get(_ context.Context, actorUserID, targetUserID int64) (model.SwipeDecision, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	decision, ok := r.db.decisions[decisionKey{actor: actorUserID, target: targetUserID}]
	if !ok {
		return model.SwipeDecision{}, repo.ErrNotFound
	}
	return decision, nil
}
