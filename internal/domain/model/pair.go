package model

import "strconv"

// PairKey identifies an unordered pair of users. A is always the smaller id.
type PairKey struct {
	A int64
	B int64
}

func NewPairKey(x, y int64) PairKey {
	if x > y {
		x, y = y, x
	}
	return PairKey{A: x, B: y}
}

func (k PairKey) Valid() bool {
	return k.A > 0 && k.B > 0 && k.A < k.B
}

func (k PairKey) Other(userID int64) int64 {
	if userID == k.A {
		return k.B
	}
	return k.A
}

func (k PairKey) Contains(userID int64) bool {
	return userID == k.A || userID == k.B
}

func (k PairKey) String() string {
	return "pair:" + strconv.FormatInt(k.A, 10) + ":" + strconv.FormatInt(k.B, 10)
}
