package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/unimatch/backend/internal/domain/enums"
	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/repo"
)

type MatchRepo struct {
	db *DB
}

func NewMatchRepo(db *DB) *MatchRepo {
	return &MatchRepo{db: db}
}

func (r *MatchRepo) CreateIfAbsent(_ context.Context, pair model.PairKey, now time.Time) (model.Match, bool, error) {
	if !pair.Valid() {
		return model.Match{}, false, fmt.Errorf("invalid match payload")
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if id, ok := r.db.matchByPair[pair]; ok {
		return r.db.matches[id], false, nil
	}

	r.db.nextMatchID++
	m := model.Match{
		ID:        r.db.nextMatchID,
		UserAID:   pair.A,
		UserBID:   pair.B,
		Status:    enums.MatchStatusActive,
		CreatedAt: now.UTC(),
	}
	r.db.matches[m.ID] = m
	r.db.matchByPair[pair] = m.ID
	return m, true, nil
}

func (r *MatchRepo) GetByPair(_ context.Context, pair model.PairKey) (model.Match, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	id, ok := r.db.matchByPair[pair]
	if !ok {
		return model.Match{}, repo.ErrNotFound
	}
	return r.db.matches[id], nil
}

func (r *MatchRepo) GetByID(_ context.Context, matchID int64) (model.Match, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	m, ok := r.db.matches[matchID]
	if !ok {
		return model.Match{}, repo.ErrNotFound
	}
	return m, nil
}

func (r *MatchRepo) Dissolve(_ context.Context, matchID, byUserID int64, now time.Time) (model.Match, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	m, ok := r.db.matches[matchID]
	if !ok {
		return model.Match{}, false, repo.ErrNotFound
	}
	if m.Status == enums.MatchStatusDissolved {
		return m, false, nil
	}

	at := now.UTC()
	m.Status = enums.MatchStatusDissolved
	m.DissolvedAt = &at
	m.DissolvedBy = byUserID
	r.db.matches[matchID] = m
	return m, true, nil
}

func (r *MatchRepo) ListForUser(_ context.Context, userID int64, includeDissolved bool, limit int) ([]model.Match, error) {
	if limit <= 0 {
		limit = 100
	}

	r.db.mu.Lock()
	items := make([]model.Match, 0)
	for _, m := range r.db.matches {
		if !m.HasParticipant(userID) {
			continue
		}
		if !includeDissolved && m.Status != enums.MatchStatusActive {
			continue
		}
		items = append(items, m)
	}
	r.db.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
