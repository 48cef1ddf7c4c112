package checkin

import (
	"context"
	"fmt"

	"github.com/dukerupert/lastsignal/internal/email"
	"github.com/dukerupert/lastsignal/internal/model"
	"github.com/dukerupert/lastsignal/internal/token"
)

// InviteRecipient adds a recipient to the user's list and mails them an
// invitation link.
func (s *Service) InviteRecipient(ctx context.Context, userID int64, emailAddr, name string) (*model.Recipient, error) {
	owner, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("invite recipient: %w", err)
	}
	if owner == nil {
		return nil, fmt.Errorf("invite recipient: user %d not found", userID)
	}

	now := s.clock.Now()
	it, err := token.Issue(token.PurposeInvite, s.tokens.InviteTTL, now)
	if err != nil {
		return nil, err
	}
	r, err := s.messages.CreateRecipient(ctx, userID, emailAddr, name, it.Digest, it.ExpiresAt, now)
	if err != nil {
		return nil, err
	}

	var fx effects
	fx.audit(model.ActorUser, model.ActionRecipientInvited, userID, map[string]any{"recipient_id": r.ID})
	fx.audit(model.ActorSystem, model.ActionRecipientInviteSent, userID, map[string]any{"recipient_id": r.ID})
	fx.mail(email.KindRecipientInvite, r.Email, map[string]string{
		email.ParamToken:     it.Raw,
		email.ParamUserEmail: owner.Email,
		email.ParamName:      r.DisplayName(),
	})
	s.flush(ctx, fx)
	return r, nil
}

// AcceptInvite consumes an invite token and registers the recipient's key.
func (s *Service) AcceptInvite(ctx context.Context, raw string, key model.RecipientKey) (*model.Recipient, Outcome, error) {
	var r *model.Recipient
	if raw != "" {
		var err error
		if r, err = s.messages.AcceptInvite(ctx, token.Digest(raw), key, s.clock.Now()); err != nil {
			return nil, OutcomeNotFound, err
		}
	}
	if r == nil {
		s.auditor.Log(ctx, model.AuditEvent{Action: model.ActionInviteTokenInvalid, ActorType: model.ActorRecipient})
		return nil, OutcomeNotFound, nil
	}
	s.auditor.Log(ctx, model.AuditEvent{
		Action:    model.ActionRecipientAccepted,
		ActorType: model.ActorRecipient,
		UserID:    &r.UserID,
		Metadata:  map[string]any{"recipient_id": r.ID},
	})
	return r, OutcomeApplied, nil
}

// CreateMessage stores an encrypted message and restarts the user's cycle
// once they have something deliverable.
func (s *Service) CreateMessage(ctx context.Context, m *model.Message, envelopes []model.Envelope) (*model.Message, error) {
	created, err := s.messages.CreateMessage(ctx, m, envelopes, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.auditor.Log(ctx, model.AuditEvent{
		Action:    model.ActionMessageCreated,
		ActorType: model.ActorUser,
		UserID:    &created.UserID,
		Metadata:  map[string]any{"message_id": created.ID, "recipient_count": len(envelopes)},
	})

	active, err := s.users.HasActiveMessages(ctx, created.UserID)
	if err != nil {
		return created, err
	}
	if active {
		if _, err := s.ResumeForNewMessage(ctx, created.UserID); err != nil {
			return created, err
		}
	}
	return created, nil
}
