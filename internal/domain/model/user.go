package model

import (
	"time"

	"github.com/unimatch/backend/internal/domain/enums"
)

type User struct {
	ID           int64      `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	Name         string     `json:"name" db:"name"`
	University   string     `json:"university" db:"university"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         enums.Role `json:"role" db:"role"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}
