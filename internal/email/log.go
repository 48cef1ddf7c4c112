package email

import (
	"context"
	"log/slog"
)

// LogSender stands in for Postmark when no server token is configured. It
// records that a message would have gone out, never its token.
type LogSender struct {
	logger  *slog.Logger
	appName string
	baseURL string
}

func NewLogSender(logger *slog.Logger, appName, baseURL string) *LogSender {
	return &LogSender{logger: logger, appName: appName, baseURL: baseURL}
}

func (s *LogSender) Send(ctx context.Context, m Message) error {
	r, err := render(m, s.appName, s.baseURL)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "email not sent, no provider configured",
		"kind", m.Kind, "to", m.To, "subject", r.Subject)
	return nil
}

// New returns the Postmark client when it is configured and a LogSender
// otherwise.
func New(logger *slog.Logger, serverToken, fromEmail, appName, baseURL string) Sender {
	c := NewClient(serverToken, fromEmail, baseURL, WithAppName(appName))
	if c.Configured() {
		return c
	}
	logger.Warn("postmark token not set, emails will only be logged")
	return NewLogSender(logger, appName, baseURL)
}
