package enums

// PairState is the lifecycle of an unordered pair of users.
type PairState string

const (
	PairStateNoDecision   PairState = "no_decision"
	PairStateOneSidedLike PairState = "one_sided_like"
	PairStateMatched      PairState = "matched"
	PairStateDissolved    PairState = "dissolved"
)
