package model

import "time"

type MagicLink struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	TokenDigest string     `json:"-"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UsedAt      *time.Time `json:"used_at"`
	CreatedAt   time.Time  `json:"created_at"`
}
