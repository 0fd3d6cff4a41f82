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

type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// Append bumps matches.last_seq and inserts the message in one transaction. The row lock on
// the match serializes appends from every instance.
func (r *MessageRepo) Append(ctx context.Context, matchID, senderID int64, body string, now time.Time) (model.Message, error) {
	if matchID <= 0 || senderID <= 0 || body == "" {
		return model.Message{}, fmt.Errorf("invalid message payload")
	}

	var msg model.Message
	err := WithTx(ctx, r.pool, func(txCtx context.Context, tx pgx.Tx) error {
		var seq int64
		err := tx.QueryRow(txCtx, `
UPDATE matches
SET last_seq = last_seq + 1
WHERE id = $1 AND status = 'active'
RETURNING last_seq
`, matchID).Scan(&seq)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("assign sequence: %w", err)
			}
			var status string
			if err := tx.QueryRow(txCtx, `SELECT status FROM matches WHERE id = $1`, matchID).Scan(&status); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return repo.ErrNotFound
				}
				return fmt.Errorf("load match status: %w", err)
			}
			return repo.ErrMatchClosed
		}

		return pgxscan.Get(txCtx, tx, &msg, `
INSERT INTO messages (match_id, seq, sender_id, body, sent_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING match_id, seq, sender_id, body, sent_at
`, matchID, seq, senderID, body, now)
	})
	if err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (r *MessageRepo) ListAfter(ctx context.Context, matchID, afterSeq int64, limit int) ([]model.Message, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if limit <= 0 {
		limit = 50
	}

	items := make([]model.Message, 0)
	err := pgxscan.Select(ctx, r.pool, &items, `
SELECT match_id, seq, sender_id, body, sent_at
FROM messages
WHERE match_id = $1 AND seq > $2
ORDER BY seq ASC
LIMIT $3
`, matchID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return items, nil
}
