// Package gate decides when a trusted contact is asked to vouch for a user
// and whether a confirmed pause is holding back delivery.
package gate

import (
	"fmt"
	"time"

	"github.com/dukerupert/lastsignal/internal/config"
	"github.com/dukerupert/lastsignal/internal/model"
)

type Policy struct {
	DefaultPauseDuration time.Duration
	MinPauseDuration     time.Duration
	MaxPauseDuration     time.Duration
	TokenTTL             time.Duration
}

func NewPolicy(cfg config.TrustedConfig) Policy {
	return Policy{
		DefaultPauseDuration: cfg.DefaultPauseDuration,
		MinPauseDuration:     cfg.MinPauseDuration,
		MaxPauseDuration:     cfg.MaxPauseDuration,
		TokenTTL:             cfg.TokenTTL,
	}
}

// PauseActive reports whether the contact's confirmation still holds.
func PauseActive(c *model.TrustedContact, now time.Time) bool {
	return c != nil && c.PausedUntil != nil && c.PausedUntil.After(now)
}

// PauseExpiredSincePing reports whether a pause has run out and the contact
// has not been pinged since it did.
func PauseExpiredSincePing(c *model.TrustedContact, now time.Time) bool {
	if c.PausedUntil == nil || c.PausedUntil.After(now) {
		return false
	}
	return c.LastPingedAt == nil || c.LastPingedAt.Before(*c.PausedUntil)
}

// PingDue reports whether the contact should be asked to confirm now.
func PingDue(c *model.TrustedContact, u *model.User, now time.Time) bool {
	if u.State != model.StateGrace && u.State != model.StateCooldown {
		return false
	}
	if PauseActive(c, now) {
		return false
	}
	if c.LastPingedAt == nil {
		return true
	}
	if u.CooldownWarningSentAt != nil && c.LastPingedAt.Before(*u.CooldownWarningSentAt) {
		return true
	}
	return PauseExpiredSincePing(c, now)
}

func (p Policy) EffectivePauseDuration(c *model.TrustedContact) time.Duration {
	if c.PauseDurationHours != nil {
		return time.Duration(*c.PauseDurationHours) * time.Hour
	}
	return p.DefaultPauseDuration
}

// ValidatePauseDuration checks a contact's override. Nil is the default.
func (p Policy) ValidatePauseDuration(hours *int) error {
	if hours == nil {
		return nil
	}
	d := time.Duration(*hours) * time.Hour
	if d < p.MinPauseDuration || d > p.MaxPauseDuration {
		return fmt.Errorf("pause duration %dh outside [%s, %s]", *hours, p.MinPauseDuration, p.MaxPauseDuration)
	}
	return nil
}

// Confirm starts a pause window and consumes the outstanding token.
func (p Policy) Confirm(c *model.TrustedContact, now time.Time) {
	until := now.Add(p.EffectivePauseDuration(c)).UTC()
	confirmed := now.UTC()
	c.PausedUntil = &until
	c.LastConfirmedAt = &confirmed
	c.TokenDigest = ""
	c.TokenExpiresAt = nil
}
