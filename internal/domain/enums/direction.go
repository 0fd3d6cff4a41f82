package enums

import "strings"

type Direction string

const (
	DirectionLike Direction = "like"
	DirectionPass Direction = "pass"
)

func (d Direction) Valid() bool {
	return d == DirectionLike || d == DirectionPass
}

// ParseDirection accepts like/pass in any case plus the legacy LIKE/DISLIKE swipe actions.
func ParseDirection(raw string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "like", "right":
		return DirectionLike, true
	case "pass", "dislike", "left":
		return DirectionPass, true
	default:
		return "", false
	}
}
