// Package notify delivers requester and reviewer emails. Every method reports
// whether the message was handed to the mail server; none of them return an
// error because delivery is best-effort everywhere it is used.
package notify

import (
	"context"
	"log/slog"
)

// Notifier is implemented by SMTP and Log.
type Notifier interface {
	NotifyApproval(ctx context.Context, to, model, apiKey, gatewayURL string) bool
	NotifyDenial(ctx context.Context, to, model, reason string) bool
	NotifyReview(ctx context.Context, to, subject, body string) bool
}

// Log writes notifications to the logger instead of sending them. It is used
// when no SMTP host is configured and always reports non-delivery.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a Log notifier. A nil logger uses the default.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	return &Log{logger: logger}
}

func (l *Log) NotifyApproval(ctx context.Context, to, model, _, gatewayURL string) bool {
	l.logger.InfoContext(ctx, "approval notification not sent, smtp disabled",
		"to", to, "model", model, "gateway_url", gatewayURL)
	return false
}

func (l *Log) NotifyDenial(ctx context.Context, to, model, reason string) bool {
	l.logger.InfoContext(ctx, "denial notification not sent, smtp disabled",
		"to", to, "model", model, "reason", reason)
	return false
}

func (l *Log) NotifyReview(ctx context.Context, to, subject, _ string) bool {
	l.logger.InfoContext(ctx, "review notification not sent, smtp disabled",
		"to", to, "subject", subject)
	return false
}
