package model

import "time"

type TrustedContact struct {
	ID                 int64      `json:"id"`
	UserID             int64      `json:"user_id"`
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	PauseDurationHours *int       `json:"pause_duration_hours"`
	LastPingedAt       *time.Time `json:"last_pinged_at"`
	LastConfirmedAt    *time.Time `json:"last_confirmed_at"`
	PausedUntil        *time.Time `json:"paused_until"`
	TokenDigest        string     `json:"-"`
	TokenExpiresAt     *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
