// Package repo holds sentinel errors shared by every store implementation.
package repo

import "errors"

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record already exists")
	ErrMatchClosed = errors.New("match is closed")
)
