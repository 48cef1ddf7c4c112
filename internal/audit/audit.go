// Package audit records security-relevant events. Recording never fails
// the caller: storage and fan-out errors are logged and counted.
package audit

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dukerupert/lastsignal/internal/model"
)

// Store persists events.
type Store interface {
	Insert(ctx context.Context, ev model.AuditEvent) error
}

// Publisher receives every stored event, e.g. the live /events stream.
type Publisher interface {
	Publish(ev model.AuditEvent)
}

// FailureCounter is told about every event that could not be stored.
type FailureCounter interface {
	AuditFailed(action model.Action)
}

type Recorder struct {
	store     Store
	publisher Publisher
	failures  FailureCounter
	clock     clockwork.Clock
	logger    *slog.Logger
}

type Option func(*Recorder)

func WithPublisher(p Publisher) Option {
	return func(r *Recorder) { r.publisher = p }
}

func WithFailureCounter(f FailureCounter) Option {
	return func(r *Recorder) { r.failures = f }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

func NewRecorder(store Store, logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: logger.With("component", "audit"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// sensitive fragments; any metadata key containing one is dropped.
var sensitive = []string{"password", "passphrase", "token", "secret", "key", "private"}

// Sanitize returns a copy of metadata without sensitive keys.
func Sanitize(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		lk := strings.ToLower(k)
		drop := false
		for _, s := range sensitive {
			if strings.Contains(lk, s) {
				drop = true
				break
			}
		}
		if !drop {
			out[k] = v
		}
	}
	return out
}

// Log records ev. ID and CreatedAt are filled in when empty.
func (r *Recorder) Log(ctx context.Context, ev model.AuditEvent) {
	if !ev.Action.Known() {
		r.logger.Warn("unknown audit action dropped", "action", ev.Action)
		r.failed(ev.Action)
		return
	}
	if !ev.ActorType.Known() {
		r.logger.Warn("unknown audit actor type", "action", ev.Action, "actor_type", ev.ActorType)
		ev.ActorType = model.ActorSystem
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.clock.Now().UTC()
	}
	ev.Metadata = Sanitize(ev.Metadata)

	if err := r.store.Insert(ctx, ev); err != nil {
		r.logger.Warn("audit insert failed", "action", ev.Action, "error", err)
		r.failed(ev.Action)
		return
	}
	if r.publisher != nil {
		r.publisher.Publish(ev)
	}
}

func (r *Recorder) failed(action model.Action) {
	if r.failures != nil {
		r.failures.AuditFailed(action)
	}
}

// System is a shorthand for a system-actor event about a user.
func System(action model.Action, userID int64, metadata map[string]any) model.AuditEvent {
	return model.AuditEvent{Action: action, ActorType: model.ActorSystem, UserID: &userID, Metadata: metadata}
}
