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

type MessageRepo struct {
	db *DB
}

func NewMessageRepo(db *DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func (r *MessageRepo) Append(_ context.Context, matchID, senderID int64, body string, now time.Time) (model.Message, error) {
	if matchID <= 0 || senderID <= 0 || body == "" {
		return model.Message{}, fmt.Errorf("invalid message payload")
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	m, ok := r.db.matches[matchID]
	if !ok {
		return model.Message{}, repo.ErrNotFound
	}
	if m.Status != enums.MatchStatusActive {
		return model.Message{}, repo.ErrMatchClosed
	}

	m.LastSeq++
	r.db.matches[matchID] = m

	msg := model.Message{
		MatchID:  matchID,
		Seq:      m.LastSeq,
		SenderID: senderID,
		Body:     body,
		SentAt:   now.UTC(),
	}
	r.db.messages[matchID] = append(r.db.messages[matchID], msg)
	return msg, nil
}

func (r *MessageRepo) ListAfter(_ context.Context, matchID, afterSeq int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	r.db.mu.Lock()
	log := r.db.messages[matchID]
	// seq n sits at index n-1
	start := sort.Search(len(log), func(i int) bool { return log[i].Seq > afterSeq })
	end := start + limit
	if end > len(log) {
		end = len(log)
	}
	items := make([]model.Message, end-start)
	copy(items, log[start:end])
	r.db.mu.Unlock()

	return items, nil
}
