package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unimatch/backend/internal/domain/model"
	"github.com/unimatch/backend/internal/repo"
)

const matchColumns = `id, user_a_id, user_b_id, status, last_seq, created_at, dissolved_at, COALESCE(dissolved_by, 0) AS dissolved_by`

type MatchRepo struct {
	pool *pgxpool.Pool
}

func NewMatchRepo(pool *pgxpool.Pool) *MatchRepo {
	return &MatchRepo{pool: pool}
}

// CreateIfAbsent relies on the unique (user_a_id, user_b_id) constraint. A dissolved row
// for the pair also blocks creation.
func (r *MatchRepo) CreateIfAbsent(ctx context.Context, pair model.PairKey, now time.Time) (model.Match, bool, error) {
	if r.pool == nil {
		return model.Match{}, false, fmt.Errorf("postgres pool is nil")
	}
	if !pair.Valid() {
		return model.Match{}, false, fmt.Errorf("invalid match payload")
	}

	var m model.Match
	err := pgxscan.Get(ctx, r.pool, &m, `
INSERT INTO matches (user_a_id, user_b_id, status, created_at)
VALUES ($1, $2, 'active', $3)
ON CONFLICT (user_a_id, user_b_id) DO NOTHING
RETURNING `+matchColumns, pair.A, pair.B, now)
	if err == nil {
		return m, true, nil
	}
	if !pgxscan.NotFound(err) {
		return model.Match{}, false, fmt.Errorf("create match: %w", err)
	}

	existing, err := r.GetByPair(ctx, pair)
	if err != nil {
		return model.Match{}, false, err
	}
	return existing, false, nil
}

func (r *MatchRepo) GetByPair(ctx context.Context, pair model.PairKey) (model.Match, error) {
	return r.getOne(ctx, `SELECT `+matchColumns+` FROM matches WHERE user_a_id = $1 AND user_b_id = $2`, pair.A, pair.B)
}

func (r *MatchRepo) GetByID(ctx context.Context, matchID int64) (model.Match, error) {
	return r.getOne(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, matchID)
}

func (r *MatchRepo) getOne(ctx context.Context, query string, args ...any) (model.Match, error) {
	if r.pool == nil {
		return model.Match{}, fmt.Errorf("postgres pool is nil")
	}

	var m model.Match
	if err := pgxscan.Get(ctx, r.pool, &m, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return model.Match{}, repo.ErrNotFound
		}
		return model.Match{}, fmt.Errorf("get match: %w", err)
	}
	return m, nil
}

func (r *MatchRepo) Dissolve(ctx context.Context, matchID, byUserID int64, now time.Time) (model.Match, bool, error) {
	if r.pool == nil {
		return model.Match{}, false, fmt.Errorf("postgres pool is nil")
	}

	var m model.Match
	err := pgxscan.Get(ctx, r.pool, &m, `
UPDATE matches
SET status = 'dissolved', dissolved_at = $3, dissolved_by = $2
WHERE id = $1 AND status = 'active'
RETURNING `+matchColumns, matchID, byUserID, now)
	if err == nil {
		return m, true, nil
	}
	if !pgxscan.NotFound(err) && !errors.Is(err, pgx.ErrNoRows) {
		return model.Match{}, false, fmt.Errorf("dissolve match: %w", err)
	}

	existing, err := r.GetByID(ctx, matchID)
	if err != nil {
		return model.Match{}, false, err
	}
	return existing, false, nil
}

func (r *MatchRepo) ListForUser(ctx context.Context, userID int64, includeDissolved bool, limit int) ([]model.Match, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if limit <= 0 {
		limit = 100
	}

	items := make([]model.Match, 0)
	err := pgxscan.Select(ctx, r.pool, &items, `
SELECT `+matchColumns+`
FROM matches
WHERE (user_a_id = $1 OR user_b_id = $1)
  AND ($2 OR status = 'active')
ORDER BY created_at DESC, id DESC
LIMIT $3
`, userID, includeDissolved, limit)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return items, nil
}
