package enums

type MatchStatus string

const (
	MatchStatusActive    MatchStatus = "active"
	MatchStatusDissolved MatchStatus = "dissolved"
)
