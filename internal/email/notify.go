package email

import (
	"context"
	"log/slog"

	"github.com/dukerupert/lastsignal/internal/metrics"
)

// Notify sends m and reports success. A failed send is logged and counted,
// never returned: mail accompanies a committed transition and must not undo it.
func Notify(ctx context.Context, s Sender, logger *slog.Logger, m Message) bool {
	if err := s.Send(ctx, m); err != nil {
		logger.WarnContext(ctx, "send email failed", "kind", m.Kind, "error", err)
		metrics.MailFailuresTotal.WithLabelValues(string(m.Kind)).Inc()
		return false
	}
	return true
}
