// Package checkin drives the check-in lifecycle: the Service applies
// user- and token-initiated transitions, and the Scheduler runs the
// periodic escalation and delivery pass.
//
// Every transition follows the same discipline. Lock the user row, reload
// it, re-check the guard, mutate, persist, commit. Mail and audit are
// collected during the transaction and performed only after it commits, so
// a failed send never rolls back a transition. Delivery hand-off also runs
// after commit and is retried on later passes until it succeeds.
package checkin

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukerupert/lastsignal/internal/email"
	"github.com/dukerupert/lastsignal/internal/model"
)

// Mailer sends one notice.
type Mailer interface {
	Send(ctx context.Context, m email.Message) error
}

// Auditor records an event. It never fails the caller.
type Auditor interface {
	Log(ctx context.Context, ev model.AuditEvent)
}

// Dispatcher releases a delivered user's messages to their recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID int64) error
}

// Outcome is the result of an exposed operation.
type Outcome int

const (
	// OutcomeNotFound covers unknown users, unknown or expired tokens, and
	// wrong recovery codes alike.
	OutcomeNotFound Outcome = iota
	OutcomeGuardFailed
	OutcomeApplied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeGuardFailed:
		return "guard_failed"
	}
	return "not_found"
}

// timeLayout formats instants shown in notices.
const timeLayout = "Jan 2, 2006 15:04 MST"

// effects are side effects gathered inside a transaction.
type effects struct {
	mails    []email.Message
	events   []model.AuditEvent
}

func (e *effects) mail(kind email.Kind, to string, params map[string]string) {
	e.mails = append(e.mails, email.Message{Kind: kind, To: to, Params: params})
}

func (e *effects) audit(actor model.ActorType, action model.Action, userID int64, metadata map[string]any) {
	id := userID
	e.events = append(e.events, model.AuditEvent{Action: action, ActorType: actor, UserID: &id, Metadata: metadata})
}

// sink performs collected effects.
type sink struct {
	mailer  Mailer
	auditor Auditor
	logger  *slog.Logger
}

func (s sink) flush(ctx context.Context, fx effects) {
	for _, ev := range fx.events {
		s.auditor.Log(ctx, ev)
	}
	for _, m := range fx.mails {
		email.Notify(ctx, s.mailer, s.logger, m)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
