package dto

import (
	"time"

	"github.com/unimatch/backend/internal/domain/model"
)

type SendMessageRequest struct {
	Body string `json:"body"`
}

type MessageResponse struct {
	MatchID  int64     `json:"match_id"`
	Seq      int64     `json:"seq"`
	SenderID int64     `json:"sender_id"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sent_at"`
}

type MessagesResponse struct {
	Items   []MessageResponse `json:"items"`
	NextSeq int64             `json:"next_after_seq"`
}

func Message(m model.Message) MessageResponse {
	return MessageResponse{
		MatchID:  m.MatchID,
		Seq:      m.Seq,
		SenderID: m.SenderID,
		Body:     m.Body,
		SentAt:   m.SentAt,
	}
}
