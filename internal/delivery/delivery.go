// Package delivery releases a delivered user's encrypted messages: each
// recipient gets a delivery link, and the link opens their ciphertexts.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/dukerupert/lastsignal/internal/email"
	"github.com/dukerupert/lastsignal/internal/model"
	"github.com/dukerupert/lastsignal/internal/store"
	"github.com/dukerupert/lastsignal/internal/token"
)

type Mailer interface {
	Send(ctx context.Context, m email.Message) error
}

type Auditor interface {
	Log(ctx context.Context, ev model.AuditEvent)
}

type Dispatcher struct {
	users    *store.UserStore
	messages *store.MessageStore
	tokens   *store.DeliveryTokenStore
	mailer   Mailer
	auditor  Auditor
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewDispatcher(db *sqlx.DB, mailer Mailer, auditor Auditor, clock clockwork.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		users:    store.NewUserStore(db),
		messages: store.NewMessageStore(db),
		tokens:   store.NewDeliveryTokenStore(db),
		mailer:   mailer,
		auditor:  auditor,
		clock:    clock,
		logger:   logger.With("component", "delivery"),
	}
}

// Dispatch sends every keyed recipient of a delivered user a fresh
// delivery link. Earlier links for those recipients are revoked. Users in
// any other state are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, userID int64) error {
	u, err := d.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("dispatch delivery: %w", err)
	}
	if u == nil || u.State != model.StateDelivered {
		d.logger.WarnContext(ctx, "dispatch skipped, user not delivered", "user_id", userID)
		return nil
	}

	recipients, err := d.messages.DeliveryRecipients(ctx, userID)
	if err != nil {
		return fmt.Errorf("dispatch delivery: %w", err)
	}

	now := d.clock.Now()
	for _, r := range recipients {
		if _, err := d.tokens.RevokeForRecipient(ctx, r.ID, now); err != nil {
			return fmt.Errorf("dispatch delivery: %w", err)
		}
		it, err := token.Issue(token.PurposeDelivery, 0, now)
		if err != nil {
			return err
		}
		if _, err := d.tokens.Create(ctx, r.ID, it.Digest, now); err != nil {
			return fmt.Errorf("dispatch delivery: %w", err)
		}

		email.Notify(ctx, d.mailer, d.logger, email.Message{
			Kind: email.KindRecipientDelivery,
			To:   r.Email,
			Params: map[string]string{
				email.ParamToken:     it.Raw,
				email.ParamUserEmail: u.Email,
				email.ParamName:      r.DisplayName(),
				email.ParamCount:     strconv.Itoa(r.MessageCount),
			},
		})
		d.auditor.Log(ctx, model.AuditEvent{
			Action:    model.ActionRecipientDeliverySent,
			ActorType: model.ActorSystem,
			UserID:    &u.ID,
			Metadata:  map[string]any{"recipient_id": r.ID, "messages_count": r.MessageCount},
		})
		d.logger.InfoContext(ctx, "delivery link sent", "user_id", u.ID, "recipient_id", r.ID, "messages", r.MessageCount)
	}
	return nil
}

// Package is what a recipient's delivery link opens.
type Package struct {
	Recipient *model.Recipient
	Key       *model.RecipientKey
	Messages  []store.RecipientMessage
}

// Open resolves a delivery link. It returns nil for unknown or revoked
// links.
func (d *Dispatcher) Open(ctx context.Context, raw string) (*Package, error) {
	var dt *model.DeliveryToken
	if raw != "" {
		var err error
		if dt, err = d.tokens.Open(ctx, token.Digest(raw), d.clock.Now()); err != nil {
			return nil, err
		}
	}
	if dt == nil {
		d.auditor.Log(ctx, model.AuditEvent{Action: model.ActionDeliveryTokenInvalid, ActorType: model.ActorRecipient})
		return nil, nil
	}

	r, err := d.messages.GetRecipient(ctx, dt.RecipientID)
	if err != nil || r == nil {
		return nil, err
	}
	key, err := d.messages.RecipientKey(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	msgs, err := d.messages.MessagesForRecipient(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	d.auditor.Log(ctx, model.AuditEvent{
		Action:    model.ActionDeliveryLinkOpened,
		ActorType: model.ActorRecipient,
		UserID:    &r.UserID,
		Metadata:  map[string]any{"recipient_id": r.ID},
	})
	return &Package{Recipient: r, Key: key, Messages: msgs}, nil
}
