package model

import "time"

// Session is one live connection of a user. AuthSID binds it to the auth session that admitted it.
type Session struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	AuthSID     string    `json:"-"`
	ConnectedAt time.Time `json:"connected_at"`
}
