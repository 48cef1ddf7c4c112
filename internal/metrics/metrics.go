package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dukerupert/lastsignal/internal/model"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests to the ops server.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests to the ops server.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	SchedulerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lastsignal_scheduler_runs_total",
			Help: "Total number of scheduler passes.",
		},
		[]string{"result"},
	)

	SchedulerRunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lastsignal_scheduler_run_duration_seconds",
			Help:    "Duration of scheduler passes.",
			Buckets: prometheus.DefBuckets,
		},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lastsignal_transitions_total",
			Help: "Total number of applied lifecycle transitions.",
		},
		[]string{"transition"},
	)

	UserErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lastsignal_scheduler_user_errors_total",
			Help: "Total number of per-user storage failures during scheduler passes.",
		},
		[]string{"phase"},
	)

	UsersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lastsignal_users",
			Help: "Number of users in each lifecycle state.",
		},
		[]string{"state"},
	)

	MailFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lastsignal_mail_failures_total",
			Help: "Total number of emails that could not be sent.",
		},
		[]string{"kind"},
	)

	AuditFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lastsignal_audit_failures_total",
			Help: "Total number of audit events that could not be recorded.",
		},
		[]string{"action"},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lastsignal_backups_total",
			Help: "Total number of database backups attempted.",
		},
		[]string{"result"},
	)

	MaintenanceDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lastsignal_maintenance_deleted_total",
			Help: "Total number of rows removed or cleared by maintenance.",
		},
		[]string{"kind"},
	)
)

// MustRegister registers every collector with the default registry.
func MustRegister() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		SchedulerRunsTotal,
		SchedulerRunDurationSeconds,
		TransitionsTotal,
		UserErrorsTotal,
		UsersByState,
		MailFailuresTotal,
		AuditFailuresTotal,
		BackupsTotal,
		MaintenanceDeletedTotal,
	)
}

// AuditCounter counts audit events that could not be stored.
type AuditCounter struct{}

func (AuditCounter) AuditFailed(action model.Action) {
	AuditFailuresTotal.WithLabelValues(string(action)).Inc()
}

// SetUserCounts replaces the per-state user gauge.
func SetUserCounts(counts map[model.State]int) {
	for _, st := range []model.State{model.StateActive, model.StateGrace, model.StateCooldown, model.StateDelivered, model.StatePaused} {
		UsersByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
