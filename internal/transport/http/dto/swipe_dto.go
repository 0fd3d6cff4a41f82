package dto

// SwipeStatePending covers both "no decision" and "one-sided like"; the two are never told apart.
const SwipeStatePending = "pending"

type SwipeRequest struct {
	TargetID int64  `json:"target_id"`
	Action   string `json:"action"`
}

type SwipeResponse struct {
	OK           bool               `json:"ok"`
	Changed      bool               `json:"changed"`
	State        string             `json:"state"`
	MatchCreated bool               `json:"match_created"`
	Match        *MatchItemResponse `json:"match,omitempty"`
}
