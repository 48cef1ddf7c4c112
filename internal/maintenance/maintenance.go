// Package maintenance prunes expired tokens and old audit events.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/dukerupert/lastsignal/internal/config"
	"github.com/dukerupert/lastsignal/internal/metrics"
	"github.com/dukerupert/lastsignal/internal/store"
)

// Result counts the rows touched by one sweep.
type Result struct {
	MagicLinks  int64 `json:"magic_links"`
	Invites     int64 `json:"invites"`
	AuditEvents int64 `json:"audit_events"`
}

type Janitor struct {
	mu sync.RWMutex

	links    *store.MagicLinkStore
	messages *store.MessageStore
	audit    *store.AuditStore

	every     time.Duration
	buffer    time.Duration
	retention time.Duration

	clock  clockwork.Clock
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewJanitor(db *sqlx.DB, cfg config.SchedulerConfig, clock clockwork.Clock, logger *slog.Logger) *Janitor {
	return &Janitor{
		links:     store.NewMagicLinkStore(db),
		messages:  store.NewMessageStore(db),
		audit:     store.NewAuditStore(db),
		every:     cfg.MaintenanceEvery,
		buffer:    cfg.ExpiredTokenBuffer,
		retention: cfg.AuditRetention,
		clock:     clock,
		logger:    logger.With("component", "maintenance"),
	}
}

// Start sweeps on every interval until Stop.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	j.mu.Unlock()

	go func() {
		defer close(j.done)
		ticker := j.clock.NewTicker(j.every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if _, err := j.Sweep(ctx); err != nil {
					j.logger.Error("maintenance sweep failed", "error", err)
				}
			}
		}
	}()
}

func (j *Janitor) Stop() {
	j.mu.RLock()
	cancel := j.cancel
	done := j.done
	j.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Sweep deletes magic links and clears invite tokens that expired more
// than the buffer ago, and drops audit events past retention. A zero
// retention keeps audit events forever. Each step runs even if an earlier
// one failed.
func (j *Janitor) Sweep(ctx context.Context) (Result, error) {
	now := j.clock.Now()
	cutoff := now.Add(-j.buffer)

	var res Result
	var errs []error

	n, err := j.links.DeleteExpired(ctx, cutoff)
	errs = append(errs, err)
	res.MagicLinks = n

	n, err = j.messages.ClearExpiredInvites(ctx, cutoff)
	errs = append(errs, err)
	res.Invites = n

	if j.retention > 0 {
		n, err = j.audit.DeleteBefore(ctx, now.Add(-j.retention))
		errs = append(errs, err)
		res.AuditEvents = n
	}

	metrics.MaintenanceDeletedTotal.WithLabelValues("magic_links").Add(float64(res.MagicLinks))
	metrics.MaintenanceDeletedTotal.WithLabelValues("invites").Add(float64(res.Invites))
	metrics.MaintenanceDeletedTotal.WithLabelValues("audit_events").Add(float64(res.AuditEvents))

	if res.MagicLinks+res.Invites+res.AuditEvents > 0 {
		j.logger.Info("maintenance sweep",
			"magic_links", res.MagicLinks,
			"invites", res.Invites,
			"audit_events", res.AuditEvents,
		)
	}
	return res, errors.Join(errs...)
}
