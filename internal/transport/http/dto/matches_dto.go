package dto

import (
	"time"

	"github.com/unimatch/backend/internal/domain/model"
)

type MatchItemResponse struct {
	ID           int64      `json:"id"`
	TargetUserID int64      `json:"target_user_id"`
	Status       string     `json:"status"`
	LastSeq      int64      `json:"last_seq"`
	CreatedAt    time.Time  `json:"created_at"`
	DissolvedAt  *time.Time `json:"dissolved_at,omitempty"`
}

type MatchesResponse struct {
	Items []MatchItemResponse `json:"items"`
}

func MatchItem(m model.Match, viewerID int64) MatchItemResponse {
	return MatchItemResponse{
		ID:           m.ID,
		TargetUserID: m.Counterpart(viewerID),
		Status:       string(m.Status),
		LastSeq:      m.LastSeq,
		CreatedAt:    m.CreatedAt,
		DissolvedAt:  m.DissolvedAt,
	}
}
