package model

import (
	"time"

	"github.com/unimatch/backend/internal/domain/enums"
)

type Match struct {
	ID          int64             `json:"id" db:"id"`
	UserAID     int64             `json:"user_a_id" db:"user_a_id"`
	UserBID     int64             `json:"user_b_id" db:"user_b_id"`
	Status      enums.MatchStatus `json:"status" db:"status"`
	LastSeq     int64             `json:"last_seq" db:"last_seq"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	DissolvedAt *time.Time        `json:"dissolved_at,omitempty" db:"dissolved_at"`
	DissolvedBy int64             `json:"dissolved_by,omitempty" db:"dissolved_by"`
}

func (m Match) Pair() PairKey {
	return PairKey{A: m.UserAID, B: m.UserBID}
}

func (m Match) IsActive() bool {
	return m.Status == enums.MatchStatusActive
}

func (m Match) HasParticipant(userID int64) bool {
	return userID > 0 && (m.UserAID == userID || m.UserBID == userID)
}

func (m Match) Counterpart(userID int64) int64 {
	if m.UserAID == userID {
		return m.UserBID
	}
	return m.UserAID
}
