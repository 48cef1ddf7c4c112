package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/dukerupert/lastsignal/internal/config"
	"github.com/dukerupert/lastsignal/internal/email"
	"github.com/dukerupert/lastsignal/internal/gate"
	"github.com/dukerupert/lastsignal/internal/lifecycle"
	"github.com/dukerupert/lastsignal/internal/metrics"
	"github.com/dukerupert/lastsignal/internal/model"
	"github.com/dukerupert/lastsignal/internal/store"
	"github.com/dukerupert/lastsignal/internal/token"
)

// Report summarizes one scheduler pass.
type Report struct {
	RunID            string `json:"run_id"`
	Skipped          bool   `json:"skipped"`
	Reminders        int    `json:"reminders"`
	GraceWarnings    int    `json:"grace_warnings"`
	CooldownWarnings int    `json:"cooldown_warnings"`
	Pings            int    `json:"pings"`
	Delivered        int    `json:"delivered"`
	Blocked          int    `json:"blocked"`
	Redispatched     int    `json:"redispatched"`
	Errors           int    `json:"errors"`
}

// Scheduler runs the periodic escalation pass.
type Scheduler struct {
	mu      sync.RWMutex
	running sync.Mutex

	store      *store.Store
	users      *store.UserStore
	policy     lifecycle.Policy
	gate       gate.Policy
	sink
	dispatcher Dispatcher
	clock      clockwork.Clock
	interval   time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewScheduler(db *sqlx.DB, cfg config.Config, mailer Mailer, auditor Auditor, dispatcher Dispatcher, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:      store.New(db),
		users:      store.NewUserStore(db),
		policy:     lifecycle.NewPolicy(cfg),
		gate:       gate.NewPolicy(cfg.Trusted),
		sink:       sink{mailer: mailer, auditor: auditor, logger: logger.With("component", "scheduler")},
		dispatcher: dispatcher,
		clock:      clock,
		interval:   cfg.Scheduler.Interval,
	}
}

// Start runs a pass immediately and then on every interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := s.clock.NewTicker(s.interval)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("scheduler pass failed", "error", err)
	}
}

// run is the state of one pass.
type run struct {
	now        time.Time
	logger     *slog.Logger
	emailed    map[int64]bool
	dispatched map[int64]bool // hand-off attempted this pass
	report     *Report
}

// RunOnce performs a single pass: initial attempts, followup attempts,
// trusted-contact pings, delivery, then a retry of earlier hand-offs that
// failed. A pass already in progress in this
// process makes RunOnce return a skipped report. Per-user failures are
// counted in the report; the returned error is for failed candidate queries.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.TryLock() {
		return Report{Skipped: true}, nil
	}
	defer s.running.Unlock()

	start := s.clock.Now()
	report := Report{RunID: uuid.NewString()}
	r := &run{
		now:        start,
		logger:     s.logger.With("run_id", report.RunID),
		emailed:    make(map[int64]bool),
		dispatched: make(map[int64]bool),
		report:     &report,
	}
	r.logger.Info("scheduler pass started")

	errs := errors.Join(
		s.attempts(ctx, r, "initial", s.users.InitialAttemptCandidates, s.policy.InitialAttemptDue),
		s.attempts(ctx, r, "followup", s.users.FollowupAttemptCandidates, s.policy.FollowupAttemptDue),
		s.pings(ctx, r),
		s.deliveries(ctx, r),
		s.redispatches(ctx, r),
	)

	if counts, err := s.users.CountByState(ctx); err == nil {
		metrics.SetUserCounts(counts)
	}
	result := "ok"
	if errs != nil || report.Errors > 0 {
		result = "error"
	}
	metrics.SchedulerRunsTotal.WithLabelValues(result).Inc()
	metrics.SchedulerRunDurationSeconds.Observe(s.clock.Since(start).Seconds())

	r.logger.Info("scheduler pass finished",
		"reminders", report.Reminders,
		"grace_warnings", report.GraceWarnings,
		"cooldown_warnings", report.CooldownWarnings,
		"pings", report.Pings,
		"delivered", report.Delivered,
		"blocked", report.Blocked,
		"redispatched", report.Redispatched,
		"errors", report.Errors,
	)
	return report, errs
}

func (s *Scheduler) userFailed(r *run, phase string, userID int64, err error) {
	r.report.Errors++
	metrics.UserErrorsTotal.WithLabelValues(phase).Inc()
	r.logger.Error("scheduler user failed", "phase", phase, "user_id", userID, "error", err)
}

// attempts is phases one and two. Candidates are read in full before any
// user is locked.
func (s *Scheduler) attempts(ctx context.Context, r *run, phase string, candidates func(context.Context) ([]*model.User, error), due func(*model.User, time.Time) bool) error {
	users, err := candidates(ctx)
	if err != nil {
		return fmt.Errorf("list %s attempt candidates: %w", phase, err)
	}
	for _, u := range users {
		if r.emailed[u.ID] || !due(u, r.now) {
			continue
		}
		s.attempt(ctx, r, phase, u.ID, due)
	}
	return nil
}

var attemptMail = map[lifecycle.AttemptKind]struct {
	kind   email.Kind
	action model.Action
}{
	lifecycle.KindReminder:        {email.KindReminder, model.ActionCheckinReminderSent},
	lifecycle.KindGraceWarning:    {email.KindGraceWarning, model.ActionGraceWarningSent},
	lifecycle.KindCooldownWarning: {email.KindCooldownWarning, model.ActionCooldownWarningSent},
}

func (s *Scheduler) attempt(ctx context.Context, r *run, phase string, userID int64, due func(*model.User, time.Time) bool) {
	var fx effects
	var sent lifecycle.Attempt
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil || u == nil {
			return err
		}
		if !due(u, r.now) {
			return nil
		}
		ok, err := tx.HasActiveMessages(ctx, u.ID)
		if err != nil || !ok {
			return err
		}

		a := s.policy.SendAttempt(u, r.now)
		if a.Result == lifecycle.NoOp {
			return nil
		}
		it, err := token.IssueUntil(a.TokenPurpose, a.TokenExpiresAt)
		if err != nil {
			return err
		}
		storeToken(u, it)
		if err := tx.SaveUser(ctx, u, r.now); err != nil {
			return err
		}
		sent = a

		m := attemptMail[a.Kind]
		params := map[string]string{
			email.ParamToken:   it.Raw,
			email.ParamAttempt: strconv.Itoa(a.Number),
			email.ParamTotal:   strconv.Itoa(a.Total),
		}
		if a.Kind == lifecycle.KindCooldownWarning {
			params[email.ParamDeadline] = formatTime(s.policy.DeliveryDueAt(u))
		}
		fx.mail(m.kind, u.Email, params)

		meta := map[string]any{"attempt": a.Number, "total": a.Total}
		fx.audit(model.ActorSystem, m.action, u.ID, meta)
		if a.To != a.From {
			switch a.To {
			case model.StateGrace:
				fx.audit(model.ActorSystem, model.ActionStateToGrace, u.ID, meta)
			case model.StateCooldown:
				fx.audit(model.ActorSystem, model.ActionStateToCooldown, u.ID,
					map[string]any{"delivery_due_at": formatTime(s.policy.DeliveryDueAt(u))})
			}
		}
		return nil
	})
	if err != nil {
		s.userFailed(r, phase, userID, err)
		return
	}
	if sent.Result == lifecycle.NoOp {
		return
	}

	r.emailed[userID] = true
	switch sent.Kind {
	case lifecycle.KindReminder:
		r.report.Reminders++
	case lifecycle.KindGraceWarning:
		r.report.GraceWarnings++
	case lifecycle.KindCooldownWarning:
		r.report.CooldownWarnings++
	}
	metrics.TransitionsTotal.WithLabelValues(string(sent.Kind)).Inc()
	r.logger.Info("checkin attempt sent", "user_id", userID, "attempt", sent.Number, "total", sent.Total, "state", sent.To)
	s.flush(ctx, fx)
}

// pings is phase three. Users already emailed this pass are left for the
// next one.
func (s *Scheduler) pings(ctx context.Context, r *run) error {
	users, err := s.users.PingCandidates(ctx)
	if err != nil {
		return fmt.Errorf("list ping candidates: %w", err)
	}
	for _, u := range users {
		if r.emailed[u.ID] {
			continue
		}
		s.ping(ctx, r, u.ID)
	}
	return nil
}

func (s *Scheduler) ping(ctx context.Context, r *run, userID int64) {
	var fx effects
	pinged := false
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil || u == nil {
			return err
		}
		if u.State != model.StateCooldown {
			return nil
		}
		c, err := tx.LockTrustedContact(ctx, u.ID)
		if err != nil || c == nil {
			return err
		}
		if !gate.PingDue(c, u, r.now) {
			return nil
		}
		ok, err := tx.HasActiveMessages(ctx, u.ID)
		if err != nil || !ok {
			return err
		}

		it, err := token.Issue(token.PurposeTrustedContact, s.gate.TokenTTL, r.now)
		if err != nil {
			return err
		}
		if gate.PauseExpiredSincePing(c, r.now) {
			// The pause has run out: the contact gets a fresh delivery window.
			restarted := r.now.UTC()
			u.CooldownWarningSentAt = &restarted
			if err := tx.SaveUser(ctx, u, r.now); err != nil {
				return err
			}
		}
		pingedAt := r.now.UTC()
		c.TokenDigest = it.Digest
		c.TokenExpiresAt = it.ExpiresAtPtr()
		c.LastPingedAt = &pingedAt
		if err := tx.SaveTrustedContact(ctx, c, r.now); err != nil {
			return err
		}
		pinged = true

		contact := c.Name
		if contact == "" {
			contact = c.Email
		}
		fx.mail(email.KindTrustedContactPing, c.Email, map[string]string{
			email.ParamToken:     it.Raw,
			email.ParamUserEmail: u.Email,
			email.ParamName:      contact,
		})
		fx.mail(email.KindTrustedContactPingNotice, u.Email, map[string]string{email.ParamContact: contact})
		meta := map[string]any{"trusted_contact_id": c.ID}
		fx.audit(model.ActorSystem, model.ActionTrustedContactPingSent, u.ID, meta)
		fx.audit(model.ActorSystem, model.ActionTrustedContactPingNoticeSent, u.ID, meta)
		return nil
	})
	if err != nil {
		s.userFailed(r, "ping", userID, err)
		return
	}
	if !pinged {
		return
	}
	r.emailed[userID] = true
	r.report.Pings++
	r.logger.Info("trusted contact pinged", "user_id", userID)
	s.flush(ctx, fx)
}

// deliveries is phase four.
func (s *Scheduler) deliveries(ctx context.Context, r *run) error {
	users, err := s.users.DeliveryCandidates(ctx)
	if err != nil {
		return fmt.Errorf("list delivery candidates: %w", err)
	}
	for _, u := range users {
		if r.emailed[u.ID] || !s.policy.DeliveryDue(u, r.now) {
			continue
		}
		s.deliver(ctx, r, u.ID)
	}
	return nil
}

func (s *Scheduler) deliver(ctx context.Context, r *run, userID int64) {
	var fx effects
	var delivered, blocked bool
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil || u == nil {
			return err
		}
		if !s.policy.DeliveryDue(u, r.now) {
			return nil
		}
		ok, err := tx.HasActiveMessages(ctx, u.ID)
		if err != nil || !ok {
			return err
		}
		c, err := tx.LockTrustedContact(ctx, u.ID)
		if err != nil {
			return err
		}
		if gate.PauseActive(c, r.now) {
			blocked = true
			fx.audit(model.ActorSystem, model.ActionDeliveryBlockedByTrustedContact, u.ID,
				map[string]any{"paused_until": c.PausedUntil.Format(time.RFC3339)})
			return nil
		}

		if s.policy.MarkDelivered(u, r.now) == lifecycle.NoOp {
			return nil
		}
		notify := u.DeliveryNoticeSentAt == nil
		if notify {
			sentAt := r.now.UTC()
			u.DeliveryNoticeSentAt = &sentAt
		}
		if err := tx.SaveUser(ctx, u, r.now); err != nil {
			return err
		}
		delivered = true

		fx.audit(model.ActorSystem, model.ActionStateToDelivered, u.ID, nil)
		if notify {
			recipients, err := tx.DeliveryRecipients(ctx, u.ID)
			if err != nil {
				return err
			}
			addrs := make([]string, 0, len(recipients))
			for _, dr := range recipients {
				addrs = append(addrs, dr.Email)
			}
			fx.mail(email.KindDeliveryNotice, u.Email, map[string]string{email.ParamRecipients: strings.Join(addrs, ", ")})
			fx.audit(model.ActorSystem, model.ActionDeliveryNoticeSent, u.ID, map[string]any{"recipient_count": len(addrs)})
		}
		return nil
	})
	if err != nil {
		s.userFailed(r, "delivery", userID, err)
		return
	}

	switch {
	case blocked:
		r.report.Blocked++
		r.logger.Info("delivery held by trusted contact pause", "user_id", userID)
		s.flush(ctx, fx)
	case delivered:
		r.emailed[userID] = true
		r.report.Delivered++
		metrics.TransitionsTotal.WithLabelValues(string(model.StateDelivered)).Inc()
		r.logger.Info("user delivered", "user_id", userID)
		s.flush(ctx, fx)
		s.dispatch(ctx, r, userID)
	}
}

// dispatch hands a delivered user's messages to the dispatcher and records
// success. A failure leaves the user pending for the next pass.
func (s *Scheduler) dispatch(ctx context.Context, r *run, userID int64) bool {
	r.dispatched[userID] = true
	if s.dispatcher == nil {
		return false
	}
	if err := s.dispatcher.Dispatch(ctx, userID); err != nil {
		s.userFailed(r, "dispatch", userID, err)
		return false
	}
	if _, err := s.users.MarkDispatched(ctx, userID, s.clock.Now()); err != nil {
		s.userFailed(r, "dispatch", userID, err)
		return false
	}
	return true
}

// redispatches retries hand-offs that failed on an earlier pass. Dispatch
// revokes a recipient's earlier links before issuing new ones, so a retry
// after a partial failure leaves one live link per recipient.
func (s *Scheduler) redispatches(ctx context.Context, r *run) error {
	users, err := s.users.DispatchPendingCandidates(ctx)
	if err != nil {
		return fmt.Errorf("list dispatch pending users: %w", err)
	}
	for _, u := range users {
		if r.dispatched[u.ID] {
			continue
		}
		if s.dispatch(ctx, r, u.ID) {
			r.report.Redispatched++
			r.logger.Info("delivery dispatch retried", "user_id", u.ID)
		}
	}
	return nil
}
