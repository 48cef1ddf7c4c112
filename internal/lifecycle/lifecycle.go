// Package lifecycle holds the check-in state machine. Every function here is
// pure: it inspects and mutates a *model.User in memory and never touches
// storage, mail, or the clock. Callers lock, load, apply, and persist.
package lifecycle

import (
	"time"

	"github.com/dukerupert/lastsignal/internal/model"
	"github.com/dukerupert/lastsignal/internal/token"
)

// Result says whether a transition changed the user.
type Result int

const (
	NoOp Result = iota
	Applied
)

func (r Result) String() string {
	if r == Applied {
		return "applied"
	}
	return "noop"
}

// AttemptKind is the notice that goes with an escalation attempt.
type AttemptKind string

const (
	KindReminder        AttemptKind = "reminder"
	KindGraceWarning    AttemptKind = "grace_warning"
	KindCooldownWarning AttemptKind = "cooldown_warning"
)

// Attempt describes what SendAttempt did.
type Attempt struct {
	Result Result
	Number int
	Total  int
	Kind   AttemptKind
	From   model.State
	To     model.State

	// The token the caller must issue and mail with the notice.
	TokenPurpose   token.Purpose
	TokenExpiresAt time.Time

	EnteredCooldown bool
}

func ptr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

// ConfirmCheckin resets the cycle and puts the user back in active.
func (p Policy) ConfirmCheckin(u *model.User, now time.Time) Result {
	if u.State == model.StateDelivered && !p.AllowConfirmAfterDelivery {
		return NoOp
	}
	p.reset(u, now)
	return Applied
}

func (p Policy) reset(u *model.User, now time.Time) {
	u.State = model.StateActive
	u.LastCheckinConfirmedAt = ptr(now)
	u.NextCheckinAt = ptr(now.Add(p.EffectiveInterval(u)))
	u.CheckinAttemptsSent = 0
	u.LastCheckinAttemptAt = nil
	u.CooldownWarningSentAt = nil
	u.DeliveryNoticeSentAt = nil
	u.DeliveredAt = nil
	u.DeliveryDispatchedAt = nil
	u.ClearCheckinToken()
}

// SendAttempt records the next escalation attempt. The attempt's position in
// the sequence picks the new state: the first attempt stays active, the last
// enters cooldown, anything between is grace. State never moves backwards.
func (p Policy) SendAttempt(u *model.User, now time.Time) Attempt {
	total := p.EffectiveAttempts(u)
	n := u.CheckinAttemptsSent + 1
	a := Attempt{Number: n, Total: total, From: u.State}

	switch u.State {
	case model.StateActive, model.StateGrace, model.StateCooldown:
	default:
		return a
	}
	if n > total {
		// The attempt count was lowered below what this cycle has already
		// sent. Escalate straight to the final attempt.
		if u.State == model.StateCooldown {
			return a
		}
		total = n
		a.Total = n
	}

	switch {
	case n == total:
		a.To, a.Kind = model.StateCooldown, KindCooldownWarning
	case n == 1:
		a.To, a.Kind = model.StateActive, KindReminder
	default:
		a.To, a.Kind = model.StateGrace, KindGraceWarning
	}
	if rank(a.To) < rank(u.State) {
		a.To = u.State
	}

	u.State = a.To
	u.LastCheckinAttemptAt = ptr(now)
	u.CheckinAttemptsSent = n
	if a.To != model.StateActive {
		// A scheduled check-in only exists while active.
		u.NextCheckinAt = nil
	}

	if a.To == model.StateCooldown {
		if u.CooldownWarningSentAt == nil {
			u.CooldownWarningSentAt = ptr(now)
		}
		a.EnteredCooldown = a.From != model.StateCooldown
		a.TokenPurpose = token.PurposePanic
	} else {
		a.TokenPurpose = token.PurposeCheckin
	}

	remaining := time.Duration(total-n+1) * p.EffectiveAttemptInterval(u)
	a.TokenExpiresAt = now.Add(remaining + p.TokenSlack).UTC()
	a.Result = Applied
	return a
}

func rank(s model.State) int {
	switch s {
	case model.StateGrace:
		return 1
	case model.StateCooldown:
		return 2
	}
	return 0
}

// MarkDelivered moves a cooldown user to delivered.
func (p Policy) MarkDelivered(u *model.User, now time.Time) Result {
	if u.State != model.StateCooldown {
		return NoOp
	}
	u.State = model.StateDelivered
	u.DeliveredAt = ptr(now)
	u.DeliveryDispatchedAt = nil
	u.NextCheckinAt = nil
	u.ClearCheckinToken()
	return Applied
}

// Pause stops the check-in cycle. Delivered and paused users are left alone.
func (p Policy) Pause(u *model.User, now time.Time) Result {
	if u.State == model.StateDelivered || u.State == model.StatePaused {
		return NoOp
	}
	halt(u)
	return Applied
}

// Unpause restarts the cycle from a paused user.
func (p Policy) Unpause(u *model.User, now time.Time) Result {
	if u.State != model.StatePaused {
		return NoOp
	}
	p.reset(u, now)
	return Applied
}

// EmergencyStop pauses the user from any state, delivered included.
func (p Policy) EmergencyStop(u *model.User, now time.Time) Result {
	if u.State == model.StatePaused {
		return NoOp
	}
	halt(u)
	return Applied
}

func halt(u *model.User) {
	u.State = model.StatePaused
	u.NextCheckinAt = nil
	u.CheckinAttemptsSent = 0
	u.LastCheckinAttemptAt = nil
	u.CooldownWarningSentAt = nil
	u.ClearCheckinToken()
}

// ResumeForMessages restarts the cycle when a user gains deliverable
// content. Paused and delivered users stay where they are.
func (p Policy) ResumeForMessages(u *model.User, now time.Time) Result {
	if u.State == model.StatePaused || u.State == model.StateDelivered {
		return NoOp
	}
	p.reset(u, now)
	return Applied
}

// PanicRevoke cancels an escalation in progress.
func (p Policy) PanicRevoke(u *model.User, now time.Time) Result {
	if u.State != model.StateGrace && u.State != model.StateCooldown {
		return NoOp
	}
	p.reset(u, now)
	return Applied
}

// CheckinTokenExpiry is the expiry for a check-in token issued outside an
// attempt: the rest of the escalation window plus slack.
func (p Policy) CheckinTokenExpiry(u *model.User, now time.Time) time.Time {
	remaining := p.EffectiveAttempts(u) - u.CheckinAttemptsSent
	if remaining < 1 {
		remaining = 1
	}
	return now.Add(time.Duration(remaining)*p.EffectiveAttemptInterval(u) + p.TokenSlack).UTC()
}
