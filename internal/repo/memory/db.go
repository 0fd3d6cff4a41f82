// Package memory keeps every table in process. It honors the same contracts as the postgres stores
// and backs tests and the `memory` storage driver.
package memory

import (
	"sync"

	"github.com/unimatch/backend/internal/domain/model"
)

type decisionKey struct {
	actor  int64
	target int64
}

type DB struct {
	mu sync.Mutex

	users       map[int64]model.User
	usersByMail map[string]int64
	nextUserID  int64

	decisions map[decisionKey]model.SwipeDecision

	matches     map[int64]model.Match
	matchByPair map[model.PairKey]int64
	nextMatchID int64

	messages map[int64][]model.Message
}

func NewDB() *DB {
	return &DB{
		users:       make(map[int64]model.User),
		usersByMail: make(map[string]int64),
		decisions:   make(map[decisionKey]model.SwipeDecision),
		matches:     make(map[int64]model.Match),
		matchByPair: make(map[model.PairKey]int64),
		messages:    make(map[int64][]model.Message),
	}
}
