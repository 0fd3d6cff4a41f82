package model

import "time"

type Message struct {
	MatchID  int64     `json:"match_id" db:"match_id"`
	Seq      int64     `json:"seq" db:"seq"`
	SenderID int64     `json:"sender_id" db:"sender_id"`
	Body     string    `json:"body" db:"body"`
	SentAt   time.Time `json:"sent_at" db:"sent_at"`
}
