package lifecycle

import (
	"fmt"
	"time"

	"github.com/dukerupert/lastsignal/internal/config"
	"github.com/dukerupert/lastsignal/internal/model"
)

// Policy carries the system defaults and bounds the state machine works with.
type Policy struct {
	DefaultInterval        time.Duration
	DefaultAttempts        int
	DefaultAttemptInterval time.Duration

	MinInterval        time.Duration
	MaxInterval        time.Duration
	MinAttempts        int
	MaxAttempts        int
	MinAttemptInterval time.Duration
	MaxAttemptInterval time.Duration

	AllowConfirmAfterDelivery bool

	// TokenSlack is added to every check-in token expiry.
	TokenSlack time.Duration
}

// NewPolicy builds a Policy from loaded configuration.
func NewPolicy(cfg config.Config) Policy {
	c := cfg.Checkin
	return Policy{
		DefaultInterval:           c.DefaultInterval,
		DefaultAttempts:           c.DefaultAttempts,
		DefaultAttemptInterval:    c.DefaultAttemptInterval,
		MinInterval:               c.MinInterval,
		MaxInterval:               c.MaxInterval,
		MinAttempts:               c.MinAttempts,
		MaxAttempts:               c.MaxAttempts,
		MinAttemptInterval:        c.MinAttemptInterval,
		MaxAttemptInterval:        c.MaxAttemptInterval,
		AllowConfirmAfterDelivery: c.AllowConfirmAfterDelivery,
		TokenSlack:                cfg.Tokens.CheckinSlack,
	}
}

// DefaultPolicy is NewPolicy over config.Default.
func DefaultPolicy() Policy {
	return NewPolicy(config.Default())
}

func (p Policy) EffectiveInterval(u *model.User) time.Duration {
	if u.CheckinIntervalHours != nil {
		return time.Duration(*u.CheckinIntervalHours) * time.Hour
	}
	return p.DefaultInterval
}

func (p Policy) EffectiveAttempts(u *model.User) int {
	if u.CheckinAttempts != nil {
		return *u.CheckinAttempts
	}
	return p.DefaultAttempts
}

func (p Policy) EffectiveAttemptInterval(u *model.User) time.Duration {
	if u.CheckinAttemptIntervalHours != nil {
		return time.Duration(*u.CheckinAttemptIntervalHours) * time.Hour
	}
	return p.DefaultAttemptInterval
}

// ValidateSettings checks user overrides against the policy bounds. Nil
// values mean "use the default" and are always accepted.
func (p Policy) ValidateSettings(intervalHours, attempts, attemptIntervalHours *int) error {
	if intervalHours != nil {
		d := time.Duration(*intervalHours) * time.Hour
		if d < p.MinInterval || d > p.MaxInterval {
			return fmt.Errorf("checkin interval %dh outside [%s, %s]", *intervalHours, p.MinInterval, p.MaxInterval)
		}
	}
	if attempts != nil {
		if *attempts < p.MinAttempts || *attempts > p.MaxAttempts {
			return fmt.Errorf("checkin attempts %d outside [%d, %d]", *attempts, p.MinAttempts, p.MaxAttempts)
		}
	}
	if attemptIntervalHours != nil {
		d := time.Duration(*attemptIntervalHours) * time.Hour
		if d < p.MinAttemptInterval || d > p.MaxAttemptInterval {
			return fmt.Errorf("checkin attempt interval %dh outside [%s, %s]", *attemptIntervalHours, p.MinAttemptInterval, p.MaxAttemptInterval)
		}
	}
	return nil
}
