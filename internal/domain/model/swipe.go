package model

import (
	"time"

	"github.com/unimatch/backend/internal/domain/enums"
)

type SwipeDecision struct {
	ActorUserID  int64           `json:"actor_user_id" db:"actor_user_id"`
	TargetUserID int64           `json:"target_user_id" db:"target_user_id"`
	Direction    enums.Direction `json:"direction" db:"direction"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

func (d SwipeDecision) IsLike() bool {
	return d.Direction == enums.DirectionLike
}
