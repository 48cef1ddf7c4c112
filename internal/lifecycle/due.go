package lifecycle

import (
	"time"

	"github.com/dukerupert/lastsignal/internal/model"
)

// InitialAttemptDue reports whether the first attempt of a cycle is due.
func (p Policy) InitialAttemptDue(u *model.User, now time.Time) bool {
	return u.State == model.StateActive &&
		u.CheckinAttemptsSent == 0 &&
		u.NextCheckinAt != nil &&
		!now.Before(*u.NextCheckinAt)
}

// NextAttemptDueAt is when the next followup attempt becomes due, or nil if
// there is none left. Cooldown is the last attempt of a cycle. A user who has
// used up a lowered attempt count without reaching cooldown is still owed the
// final attempt.
func (p Policy) NextAttemptDueAt(u *model.User) *time.Time {
	if u.LastCheckinAttemptAt == nil || u.State == model.StateCooldown {
		return nil
	}
	return ptr(u.LastCheckinAttemptAt.Add(p.EffectiveAttemptInterval(u)))
}

// FollowupAttemptDue reports whether a followup attempt is due.
func (p Policy) FollowupAttemptDue(u *model.User, now time.Time) bool {
	switch u.State {
	case model.StateActive, model.StateGrace, model.StateCooldown:
	default:
		return false
	}
	if u.CheckinAttemptsSent < 1 {
		return false
	}
	at := p.NextAttemptDueAt(u)
	return at != nil && !now.Before(*at)
}

// DeliveryDueAt is when a cooldown user's messages become deliverable.
func (p Policy) DeliveryDueAt(u *model.User) *time.Time {
	if u.CooldownWarningSentAt == nil {
		return nil
	}
	return ptr(u.CooldownWarningSentAt.Add(p.EffectiveAttemptInterval(u)))
}

// DeliveryDue reports whether a cooldown user has reached the delivery time.
// The trusted-contact pause is checked separately.
func (p Policy) DeliveryDue(u *model.User, now time.Time) bool {
	if u.State != model.StateCooldown {
		return false
	}
	at := p.DeliveryDueAt(u)
	return at != nil && !now.Before(*at)
}
