package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/dukerupert/lastsignal/internal/config"
	"github.com/dukerupert/lastsignal/internal/email"
	"github.com/dukerupert/lastsignal/internal/gate"
	"github.com/dukerupert/lastsignal/internal/lifecycle"
	"github.com/dukerupert/lastsignal/internal/metrics"
	"github.com/dukerupert/lastsignal/internal/model"
	"github.com/dukerupert/lastsignal/internal/recovery"
	"github.com/dukerupert/lastsignal/internal/store"
	"github.com/dukerupert/lastsignal/internal/token"
)

// Service is the set of lifecycle operations offered to request handlers.
type Service struct {
	store    *store.Store
	users    *store.UserStore
	contacts *store.TrustedContactStore
	links    *store.MagicLinkStore
	messages *store.MessageStore
	recovery *recovery.Manager

	policy lifecycle.Policy
	gate   gate.Policy
	tokens config.TokenConfig

	sink
	clock clockwork.Clock
}

func NewService(db *sqlx.DB, cfg config.Config, mailer Mailer, auditor Auditor, clock clockwork.Clock, logger *slog.Logger) *Service {
	logger = logger.With("component", "checkin")
	policy := lifecycle.NewPolicy(cfg)
	st := store.New(db)
	users := store.NewUserStore(db)
	return &Service{
		store:    st,
		users:    users,
		contacts: store.NewTrustedContactStore(db),
		links:    store.NewMagicLinkStore(db),
		messages: store.NewMessageStore(db),
		recovery: recovery.NewManager(st, users, policy, mailer, auditor, clock, logger),
		policy:   policy,
		gate:     gate.NewPolicy(cfg.Trusted),
		tokens:   cfg.Tokens,
		sink:     sink{mailer: mailer, auditor: auditor, logger: logger},
		clock:    clock,
	}
}

// Settings are a user's check-in overrides. Nil fields use the default.
type Settings struct {
	IntervalHours        *int
	Attempts             *int
	AttemptIntervalHours *int
}

// CreateUser registers a user, schedules the first check-in, and returns
// the initial recovery code. The code is never stored in the clear.
func (s *Service) CreateUser(ctx context.Context, emailAddr string, settings Settings) (*model.User, string, error) {
	if err := s.policy.ValidateSettings(settings.IntervalHours, settings.Attempts, settings.AttemptIntervalHours); err != nil {
		return nil, "", err
	}
	code, digest, err := recovery.Generate()
	if err != nil {
		return nil, "", err
	}

	now := s.clock.Now()
	u := &model.User{
		Email:                       emailAddr,
		CheckinIntervalHours:        settings.IntervalHours,
		CheckinAttempts:             settings.Attempts,
		CheckinAttemptIntervalHours: settings.AttemptIntervalHours,
		RecoveryCodeDigest:          digest,
	}
	s.policy.ConfirmCheckin(u, now)

	created, err := s.users.Create(ctx, u, now)
	if err != nil {
		return nil, "", fmt.Errorf("create user: %w", err)
	}
	return created, code, nil
}

// ErrAttemptsAlreadySent rejects an attempt count that an escalation in
// progress has already used up.
var ErrAttemptsAlreadySent = errors.New("checkin attempts must exceed the attempts already sent this cycle")

// UpdateSettings stores new overrides after checking them against the
// configured bounds. The current cycle keeps its schedule, so while an
// escalation is running the attempt count cannot drop to what has already
// been sent.
func (s *Service) UpdateSettings(ctx context.Context, userID int64, settings Settings) error {
	if err := s.policy.ValidateSettings(settings.IntervalHours, settings.Attempts, settings.AttemptIntervalHours); err != nil {
		return err
	}
	now := s.clock.Now()
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil || u == nil {
			return err
		}
		u.CheckinIntervalHours = settings.IntervalHours
		u.CheckinAttempts = settings.Attempts
		u.CheckinAttemptIntervalHours = settings.AttemptIntervalHours
		escalating := u.State == model.StateActive || u.State == model.StateGrace
		if escalating && u.CheckinAttemptsSent > 0 && s.policy.EffectiveAttempts(u) <= u.CheckinAttemptsSent {
			return ErrAttemptsAlreadySent
		}
		return tx.UpdateSettings(ctx, u, now)
	})
	if errors.Is(err, ErrAttemptsAlreadySent) {
		return err
	}
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

// SetTrustedContact adds or replaces the user's trusted contact.
func (s *Service) SetTrustedContact(ctx context.Context, userID int64, emailAddr, name string, pauseHours *int) (*model.TrustedContact, error) {
	if err := s.gate.ValidatePauseDuration(pauseHours); err != nil {
		return nil, err
	}
	return s.contacts.Upsert(ctx, userID, emailAddr, name, pauseHours, s.clock.Now())
}

func (s *Service) RemoveTrustedContact(ctx context.Context, userID int64) error {
	return s.contacts.Delete(ctx, userID)
}

// transition applies one lifecycle function to a locked user.
func (s *Service) transition(ctx context.Context, userID int64, actor model.ActorType, action model.Action, apply func(*model.User, time.Time) lifecycle.Result) (Outcome, error) {
	now := s.clock.Now()
	out := OutcomeNotFound
	var fx effects
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil || u == nil {
			return err
		}
		from := u.State
		if apply(u, now) == lifecycle.NoOp {
			out = OutcomeGuardFailed
			return nil
		}
		if err := tx.SaveUser(ctx, u, now); err != nil {
			return err
		}
		out = OutcomeApplied
		fx.audit(actor, action, u.ID, map[string]any{"from": string(from), "to": string(u.State)})
		return nil
	})
	if err != nil {
		return OutcomeNotFound, fmt.Errorf("%s: %w", action, err)
	}
	if out == OutcomeApplied {
		metrics.TransitionsTotal.WithLabelValues(string(action)).Inc()
		s.flush(ctx, fx)
	}
	return out, nil
}

func (s *Service) ConfirmCheckin(ctx context.Context, userID int64) (Outcome, error) {
	return s.transition(ctx, userID, model.ActorUser, model.ActionCheckinConfirmed, s.policy.ConfirmCheckin)
}

func (s *Service) Pause(ctx context.Context, userID int64) (Outcome, error) {
	return s.transition(ctx, userID, model.ActorUser, model.ActionCheckinPaused, s.policy.Pause)
}

func (s *Service) Unpause(ctx context.Context, userID int64) (Outcome, error) {
	return s.transition(ctx, userID, model.ActorUser, model.ActionCheckinResumed, s.policy.Unpause)
}

// ResumeForNewMessage restarts the cycle after the user saves a message.
func (s *Service) ResumeForNewMessage(ctx context.Context, userID int64) (Outcome, error) {
	return s.transition(ctx, userID, model.ActorSystem, model.ActionCheckinResumedForMessages, s.policy.ResumeForMessages)
}

// IssueCheckinToken puts a fresh check-in token in the user's token slot,
// replacing whatever was there, and returns its raw value.
func (s *Service) IssueCheckinToken(ctx context.Context, userID int64) (string, Outcome, error) {
	now := s.clock.Now()
	out := OutcomeNotFound
	var raw string
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil || u == nil {
			return err
		}
		switch u.State {
		case model.StateActive, model.StateGrace, model.StateCooldown:
		default:
			out = OutcomeGuardFailed
			return nil
		}
		it, err := token.IssueUntil(token.PurposeCheckin, s.policy.CheckinTokenExpiry(u, now))
		if err != nil {
			return err
		}
		storeToken(u, it)
		if err := tx.SaveUser(ctx, u, now); err != nil {
			return err
		}
		raw, out = it.Raw, OutcomeApplied
		return nil
	})
	if err != nil {
		return "", OutcomeNotFound, fmt.Errorf("issue checkin token: %w", err)
	}
	return raw, out, nil
}

func storeToken(u *model.User, it token.Issued) {
	u.CheckinTokenDigest = it.Digest
	u.CheckinTokenPurpose = string(it.Purpose)
	u.CheckinTokenExpiresAt = it.ExpiresAtPtr()
}

// tokenHolder locks the user whose slot holds raw for purpose. Unknown,
// expired, and wrong-purpose tokens all yield nil.
func tokenHolder(ctx context.Context, tx *store.Tx, raw string, purpose token.Purpose, now time.Time) (*model.User, error) {
	if raw == "" {
		return nil, nil
	}
	digest := token.Digest(raw)
	u, err := tx.LockUserByCheckinToken(ctx, digest)
	if err != nil || u == nil {
		return nil, err
	}
	if !token.Equal(u.CheckinTokenDigest, digest) ||
		u.CheckinTokenPurpose != string(purpose) ||
		token.Expired(u.CheckinTokenExpiresAt, now) {
		return nil, nil
	}
	return u, nil
}

// VerifyCheckinToken returns the id of the user holding a live check-in
// token. It does not consume the token.
func (s *Service) VerifyCheckinToken(ctx context.Context, raw string) (int64, Outcome, error) {
	now := s.clock.Now()
	var userID int64
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tokenHolder(ctx, tx, raw, token.PurposeCheckin, now)
		if err != nil || u == nil {
			return err
		}
		userID = u.ID
		return nil
	})
	if err != nil {
		return 0, OutcomeNotFound, fmt.Errorf("verify checkin token: %w", err)
	}
	if userID == 0 {
		return 0, OutcomeNotFound, nil
	}
	return userID, OutcomeApplied, nil
}

// ConfirmCheckinWithToken confirms the check-in of the token's holder and
// consumes the token.
func (s *Service) ConfirmCheckinWithToken(ctx context.Context, raw string) (Outcome, error) {
	return s.redeem(ctx, raw, token.PurposeCheckin, model.ActionCheckinConfirmed, model.ActionCheckinTokenInvalid, s.policy.ConfirmCheckin)
}

// PanicRevoke cancels an escalation with the token from the cooldown
// warning.
func (s *Service) PanicRevoke(ctx context.Context, raw string) (Outcome, error) {
	return s.redeem(ctx, raw, token.PurposePanic, model.ActionPanicRevokeUsed, model.ActionCheckinTokenInvalid, s.policy.PanicRevoke)
}

func (s *Service) redeem(ctx context.Context, raw string, purpose token.Purpose, action, invalid model.Action, apply func(*model.User, time.Time) lifecycle.Result) (Outcome, error) {
	now := s.clock.Now()
	out := OutcomeNotFound
	var fx effects
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tokenHolder(ctx, tx, raw, purpose, now)
		if err != nil || u == nil {
			return err
		}
		from := u.State
		if apply(u, now) == lifecycle.NoOp {
			out = OutcomeGuardFailed
			return nil
		}
		if err := tx.SaveUser(ctx, u, now); err != nil {
			return err
		}
		out = OutcomeApplied
		fx.audit(model.ActorUser, action, u.ID, map[string]any{"from": string(from), "via": string(purpose)})
		return nil
	})
	if err != nil {
		return OutcomeNotFound, fmt.Errorf("redeem %s token: %w", purpose, err)
	}

	switch out {
	case OutcomeApplied:
		metrics.TransitionsTotal.WithLabelValues(string(action)).Inc()
		s.flush(ctx, fx)
	case OutcomeNotFound:
		s.auditor.Log(ctx, model.AuditEvent{
			Action:    invalid,
			ActorType: model.ActorUser,
			Metadata:  map[string]any{"purpose": string(purpose)},
		})
	}
	return out, nil
}

// UseRecoveryCode emergency-stops the user and returns their new code.
func (s *Service) UseRecoveryCode(ctx context.Context, emailAddr, code string) (string, Outcome, error) {
	newCode, ok, err := s.recovery.Use(ctx, emailAddr, code)
	if err != nil {
		return "", OutcomeNotFound, err
	}
	if !ok {
		return "", OutcomeNotFound, nil
	}
	metrics.TransitionsTotal.WithLabelValues(string(model.ActionEmergencyStop)).Inc()
	return newCode, OutcomeApplied, nil
}

// ConfirmTrustedContact starts a pause window for the contact holding raw
// and tells the user. It returns the contact id.
func (s *Service) ConfirmTrustedContact(ctx context.Context, raw string) (int64, Outcome, error) {
	now := s.clock.Now()
	var digest string
	var found *model.TrustedContact
	if raw != "" {
		digest = token.Digest(raw)
		var err error
		if found, err = s.contacts.GetByToken(ctx, digest); err != nil {
			return 0, OutcomeNotFound, fmt.Errorf("confirm trusted contact: %w", err)
		}
	}

	var confirmed *model.TrustedContact
	var fx effects
	if found != nil {
		// User before contact, the same order the scheduler locks in.
		err := s.store.InTx(ctx, func(tx *store.Tx) error {
			u, err := tx.LockUser(ctx, found.UserID)
			if err != nil || u == nil {
				return err
			}
			c, err := tx.LockTrustedContact(ctx, u.ID)
			if err != nil || c == nil {
				return err
			}
			if !token.Equal(c.TokenDigest, digest) || token.Expired(c.TokenExpiresAt, now) {
				return nil
			}
			s.gate.Confirm(c, now)
			if err := tx.SaveTrustedContact(ctx, c, now); err != nil {
				return err
			}
			confirmed = c

			contact := c.Name
			if contact == "" {
				contact = c.Email
			}
			fx.audit(model.ActorTrustedContact, model.ActionTrustedContactConfirmed, u.ID,
				map[string]any{"trusted_contact_id": c.ID, "paused_until": c.PausedUntil.Format(time.RFC3339)})
			fx.audit(model.ActorSystem, model.ActionTrustedContactConfirmationNotice, u.ID,
				map[string]any{"trusted_contact_id": c.ID})
			fx.mail(email.KindTrustedContactConfirmationNotice, u.Email, map[string]string{
				email.ParamContact:    contact,
				email.ParamPausedTill: formatTime(c.PausedUntil),
			})
			return nil
		})
		if err != nil {
			return 0, OutcomeNotFound, fmt.Errorf("confirm trusted contact: %w", err)
		}
	}

	if confirmed == nil {
		s.auditor.Log(ctx, model.AuditEvent{Action: model.ActionTrustedContactTokenInvalid, ActorType: model.ActorTrustedContact})
		return 0, OutcomeNotFound, nil
	}
	s.flush(ctx, fx)
	return confirmed.ID, OutcomeApplied, nil
}

// IssueMagicLink mails a sign-in link to the user with the given address.
// Unknown addresses report OutcomeNotFound and send nothing.
func (s *Service) IssueMagicLink(ctx context.Context, emailAddr string) (Outcome, error) {
	u, err := s.users.GetByEmail(ctx, emailAddr)
	if err != nil {
		return OutcomeNotFound, fmt.Errorf("issue magic link: %w", err)
	}
	if u == nil {
		return OutcomeNotFound, nil
	}

	now := s.clock.Now()
	it, err := token.Issue(token.PurposeMagicLink, s.tokens.MagicLinkTTL, now)
	if err != nil {
		return OutcomeNotFound, err
	}
	if _, err := s.links.Create(ctx, u.ID, it.Digest, it.ExpiresAt, now); err != nil {
		return OutcomeNotFound, fmt.Errorf("issue magic link: %w", err)
	}

	var fx effects
	fx.audit(model.ActorUser, model.ActionLoginRequested, u.ID, nil)
	fx.audit(model.ActorSystem, model.ActionMagicLinkSent, u.ID, nil)
	fx.mail(email.KindMagicLink, u.Email, map[string]string{email.ParamToken: it.Raw})
	s.flush(ctx, fx)
	return OutcomeApplied, nil
}

// ConsumeMagicLink redeems a sign-in link once and returns its user.
func (s *Service) ConsumeMagicLink(ctx context.Context, raw string) (int64, Outcome, error) {
	if raw == "" {
		return 0, OutcomeNotFound, nil
	}
	ml, err := s.links.Consume(ctx, token.Digest(raw), s.clock.Now())
	if err != nil {
		return 0, OutcomeNotFound, err
	}
	if ml == nil {
		return 0, OutcomeNotFound, nil
	}
	s.auditor.Log(ctx, model.AuditEvent{Action: model.ActionLoginSuccess, ActorType: model.ActorUser, UserID: &ml.UserID})
	return ml.UserID, OutcomeApplied, nil
}
