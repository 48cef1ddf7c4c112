package model

import "time"

// State is a user's position in the check-in lifecycle.
type State string

const (
	StateActive    State = "active"
	StateGrace     State = "grace"
	StateCooldown  State = "cooldown"
	StateDelivered State = "delivered"
	StatePaused    State = "paused"
)

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateGrace, StateCooldown, StateDelivered, StatePaused:
		return true
	}
	return false
}

type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`

	// Nil means "use the system default".
	CheckinIntervalHours        *int `json:"checkin_interval_hours"`
	CheckinAttempts             *int `json:"checkin_attempts"`
	CheckinAttemptIntervalHours *int `json:"checkin_attempt_interval_hours"`

	State                  State      `json:"state"`
	NextCheckinAt          *time.Time `json:"next_checkin_at"`
	LastCheckinConfirmedAt *time.Time `json:"last_checkin_confirmed_at"`
	LastCheckinAttemptAt   *time.Time `json:"last_checkin_attempt_at"`
	CheckinAttemptsSent    int        `json:"checkin_attempts_sent"`
	CooldownWarningSentAt  *time.Time `json:"cooldown_warning_sent_at"`
	DeliveredAt            *time.Time `json:"delivered_at"`
	DeliveryNoticeSentAt   *time.Time `json:"delivery_notice_sent_at"`
	// DeliveryDispatchedAt is set once recipients have been handed their
	// links. A delivered user without it is retried on every pass.
	DeliveryDispatchedAt *time.Time `json:"delivery_dispatched_at"`

	CheckinTokenDigest    string     `json:"-"`
	CheckinTokenPurpose   string     `json:"-"`
	CheckinTokenExpiresAt *time.Time `json:"-"`

	RecoveryCodeDigest   string     `json:"-"`
	RecoveryCodeViewedAt *time.Time `json:"recovery_code_viewed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClearCheckinToken empties the single outstanding check-in/panic token slot.
func (u *User) ClearCheckinToken() {
	u.CheckinTokenDigest = ""
	u.CheckinTokenPurpose = ""
	u.CheckinTokenExpiresAt = nil
}
