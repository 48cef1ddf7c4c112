package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/dukerupert/lastsignal/internal/email"
	"github.com/dukerupert/lastsignal/internal/lifecycle"
	"github.com/dukerupert/lastsignal/internal/model"
	"github.com/dukerupert/lastsignal/internal/store"
)

// Auditor records events and never fails.
type Auditor interface {
	Log(ctx context.Context, ev model.AuditEvent)
}

// Manager issues, rotates, and redeems recovery codes.
type Manager struct {
	store   *store.Store
	users   *store.UserStore
	policy  lifecycle.Policy
	mailer  email.Sender
	auditor Auditor
	clock   clockwork.Clock
	logger  *slog.Logger
}

func NewManager(st *store.Store, users *store.UserStore, policy lifecycle.Policy, mailer email.Sender, auditor Auditor, clock clockwork.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		store:   st,
		users:   users,
		policy:  policy,
		mailer:  mailer,
		auditor: auditor,
		clock:   clock,
		logger:  logger.With("component", "recovery"),
	}
}

// Use redeems code for the user with the given email. On success the user
// is emergency-stopped and a replacement code is returned. A wrong code and
// an unknown email both return ok=false after the same argon2 work.
func (m *Manager) Use(ctx context.Context, userEmail, code string) (newCode string, ok bool, err error) {
	now := m.clock.Now()
	var (
		userID  int64
		to      string
		stopped lifecycle.Result
	)

	err = m.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tx.LockUserByEmail(ctx, userEmail)
		if err != nil {
			return err
		}
		if u == nil || u.RecoveryCodeDigest == "" {
			Verify(dummyDigest, code)
			return nil
		}
		if !Verify(u.RecoveryCodeDigest, code) {
			return nil
		}

		stopped = m.policy.EmergencyStop(u, now)
		fresh, digest, err := Generate()
		if err != nil {
			return err
		}
		u.RecoveryCodeDigest = digest
		u.RecoveryCodeViewedAt = nil
		if err := tx.SaveUser(ctx, u, now); err != nil {
			return err
		}
		newCode, userID, to = fresh, u.ID, u.Email
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("use recovery code: %w", err)
	}
	if newCode == "" {
		return "", false, nil
	}

	m.logger.InfoContext(ctx, "emergency stop", "user_id", userID, "state_changed", stopped == lifecycle.Applied)
	m.auditor.Log(ctx, model.AuditEvent{
		Action:    model.ActionEmergencyStop,
		ActorType: model.ActorUser,
		UserID:    &userID,
		Metadata:  map[string]any{"state_changed": stopped == lifecycle.Applied},
	})
	m.auditor.Log(ctx, model.AuditEvent{
		Action:    model.ActionRecoveryCodeRotated,
		ActorType: model.ActorSystem,
		UserID:    &userID,
		Metadata:  map[string]any{"reason": "used"},
	})
	email.Notify(ctx, m.mailer, m.logger, email.Message{Kind: email.KindEmergencyStopNotice, To: to})
	return newCode, true, nil
}

// Rotate replaces the user's code and clears the viewed flag. The new code
// is returned once and never stored.
func (m *Manager) Rotate(ctx context.Context, userID int64) (string, error) {
	now := m.clock.Now()
	var code string
	err := m.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return nil
		}
		fresh, digest, err := Generate()
		if err != nil {
			return err
		}
		u.RecoveryCodeDigest = digest
		u.RecoveryCodeViewedAt = nil
		if err := tx.SaveUser(ctx, u, now); err != nil {
			return err
		}
		code = fresh
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("rotate recovery code: %w", err)
	}
	if code == "" {
		return "", nil
	}
	m.auditor.Log(ctx, model.AuditEvent{
		Action:    model.ActionRecoveryCodeRotated,
		ActorType: model.ActorUser,
		UserID:    &userID,
		Metadata:  map[string]any{"reason": "requested"},
	})
	return code, nil
}

// MarkViewed records that the user has seen and stored their code.
func (m *Manager) MarkViewed(ctx context.Context, userID int64) (bool, error) {
	now := m.clock.Now()
	var marked bool
	err := m.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil || u == nil {
			return err
		}
		if u.RecoveryCodeViewedAt != nil {
			marked = true
			return nil
		}
		viewed := now.UTC()
		u.RecoveryCodeViewedAt = &viewed
		marked = true
		return tx.SaveUser(ctx, u, now)
	})
	if err != nil {
		return false, fmt.Errorf("mark recovery code viewed: %w", err)
	}
	return marked, nil
}

// Verify checks code against the user's current digest without using it.
func (m *Manager) Verify(ctx context.Context, userID int64, code string) (bool, error) {
	u, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if u == nil || u.RecoveryCodeDigest == "" {
		Verify(dummyDigest, code)
		return false, nil
	}
	return Verify(u.RecoveryCodeDigest, code), nil
}
